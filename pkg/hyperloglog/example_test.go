package hyperloglog_test

import (
	"fmt"

	"github.com/fidde/cube_planner/pkg/hyperloglog"
)

// Example shows basic HyperLogLog usage
func Example() {
	hll := hyperloglog.New(14)

	hll.Add("2024-01-01")
	hll.Add("2024-01-02")
	hll.Add("2024-01-03")
	hll.Add("2024-01-01") // Duplicate

	fmt.Printf("Distinct dates: ~%d\n", hll.Count())
	// Output: Distinct dates: ~3
}

// Example_merge shows how partial sketches from two workers combine.
func Example_merge() {
	worker1 := hyperloglog.New(14)
	worker2 := hyperloglog.New(14)

	worker1.Add("CN")
	worker1.Add("US")
	worker1.Add("DE")

	worker2.Add("DE") // seen by both workers
	worker2.Add("FR")
	worker2.Add("JP")

	if err := worker1.Merge(worker2); err != nil {
		fmt.Println(err)
		return
	}

	fmt.Printf("Distinct countries: ~%d\n", worker1.Count())
	// Output: Distinct countries: ~5
}
