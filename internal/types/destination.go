package types

import "fmt"

// Destination identifies one analytic warehouse.
type Destination string

const (
	DestPostgres    Destination = "postgres"
	DestClickHouse  Destination = "clickhouse"
	DestTimescaleDB Destination = "timescaledb"
)

// AllDestinations lists every destination the pipeline knows how to feed.
var AllDestinations = []Destination{DestPostgres, DestClickHouse, DestTimescaleDB}

// ParseDestination converts a config string into a Destination.
func ParseDestination(s string) (Destination, error) {
	switch Destination(s) {
	case DestPostgres, DestClickHouse, DestTimescaleDB:
		return Destination(s), nil
	}
	return "", fmt.Errorf("unknown destination %q", s)
}

func (d Destination) String() string { return string(d) }
