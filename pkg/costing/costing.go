// Package costing defines the external-collaborator boundary for turning
// an application's running resources into an estimated spend. The
// controller core never prices anything itself; orchestrators and the
// status aggregator only report component state, and a Calculator is an
// optional consumer of that state. Instance/EBS/network price tables are
// configuration, not core behavior.
package costing

import "context"

// InstanceHourlyPrice is a fallback hourly rate for one VM instance type,
// used when no live pricing API is wired in.
type InstanceHourlyPrice struct {
	InstanceType string
	HourlyUSD    float64
}

// PriceTable is the read-only pricing configuration: a network price per
// GB, an hourly price per instance type, and an EBS price per volume type.
type PriceTable struct {
	NetworkPerGBUSD float64
	Instances       map[string]float64 // instance type -> hourly USD
	EBSPerGBUSD     map[string]float64 // volume type -> per-GB-month USD
}

// Usage is the resource consumption one application accrued over a
// window; a real Calculator would derive this from cloud billing or
// metrics, not from this module.
type Usage struct {
	AppName          string
	InstanceType     string
	InstanceHours    float64
	EBSVolumeType    string
	EBSGB            float64
	NetworkEgressGB  float64
}

// Estimate is the Calculator's output: a cost breakdown for one
// application over the usage window supplied.
type Estimate struct {
	AppName    string
	ComputeUSD float64
	StorageUSD float64
	NetworkUSD float64
	TotalUSD   float64
}

// Calculator turns resource usage into a cost estimate. Implementations
// are out of scope for this module; only the boundary and one reference
// table-lookup implementation are provided.
type Calculator interface {
	Estimate(ctx context.Context, usage Usage) (Estimate, error)
}

// TableCalculator is a reference Calculator backed by a fixed PriceTable,
// with no live billing API call. Unknown instance/volume types fall back
// to zero rather than erroring, since pricing is advisory, not a gate on
// any lifecycle decision.
type TableCalculator struct {
	table PriceTable
}

// NewTableCalculator creates a TableCalculator over table.
func NewTableCalculator(table PriceTable) *TableCalculator {
	return &TableCalculator{table: table}
}

// Estimate computes a cost breakdown from the configured price table.
func (c *TableCalculator) Estimate(ctx context.Context, usage Usage) (Estimate, error) {
	computeRate := c.table.Instances[usage.InstanceType]
	ebsRate := c.table.EBSPerGBUSD[usage.EBSVolumeType]

	est := Estimate{
		AppName:    usage.AppName,
		ComputeUSD: computeRate * usage.InstanceHours,
		StorageUSD: ebsRate * usage.EBSGB,
		NetworkUSD: c.table.NetworkPerGBUSD * usage.NetworkEgressGB,
	}
	est.TotalUSD = est.ComputeUSD + est.StorageUSD + est.NetworkUSD
	return est, nil
}
