package dict

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/fidde/cube_planner/pkg/models"
)

// FileExtension is the suffix of dictionary files written by collection.
const FileExtension = ".rldict"

// BuilderName identifies the builder variant that produced a dictionary.
func BuilderName(k Kind) string {
	return "dict." + k.String()
}

// MarshalFile prefixes the dictionary with the identity of its builder so a
// reader can check it was built the way the column expects.
func MarshalFile(d *Dictionary) ([]byte, error) {
	body, err := d.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := protowire.AppendString(nil, BuilderName(d.Kind()))
	return append(buf, body...), nil
}

// UnmarshalFile reads a file written by MarshalFile, returning the builder
// identity and the dictionary.
func UnmarshalFile(data []byte) (string, *Dictionary, error) {
	builder, n := protowire.ConsumeString(data)
	if n < 0 {
		return "", nil, errors.Wrap(models.ErrCorruptData, "dictionary file header")
	}
	d, err := FromBytes(data[n:])
	if err != nil {
		return "", nil, err
	}
	if builder != BuilderName(d.Kind()) {
		return "", nil, errors.Wrapf(models.ErrCorruptData,
			"dictionary built by %s holds %s values", builder, d.Kind())
	}
	return builder, d, nil
}
