// Package sensor produces environmental readings for a node.
//
// The reference hardware pairs an AHT2x (temperature, humidity) with an
// ENS160 (eCO2, TVOC, AQI). Only a simulated source is provided here;
// a driver for real hardware implements [Reader] the same way.
package sensor

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/nugget/envnode/internal/node"
)

// Reader returns one reading per call.
type Reader interface {
	Read(ctx context.Context) (node.Reading, error)
}

// New returns the reader named by source. seed feeds the simulated
// source; zero picks a fixed default so runs are repeatable.
func New(source string, seed uint64) (Reader, error) {
	switch source {
	case "simulated":
		return NewSimulated(seed), nil
	default:
		return nil, fmt.Errorf("unknown sensor source %q", source)
	}
}

// Simulated drifts each quantity in a bounded random walk around
// typical indoor values. It is safe for concurrent use.
type Simulated struct {
	mu   sync.Mutex
	rng  *rand.Rand
	temp float64
	hum  float64
	eco2 float64
	tvoc float64
}

// NewSimulated returns a simulated reader seeded with seed.
func NewSimulated(seed uint64) *Simulated {
	if seed == 0 {
		seed = 0x656e766e6f6465
	}
	return &Simulated{
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		temp: 21.0,
		hum:  45.0,
		eco2: 450,
		tvoc: 50,
	}
}

// Read advances the walk one step.
func (s *Simulated) Read(ctx context.Context) (node.Reading, error) {
	if err := ctx.Err(); err != nil {
		return node.Reading{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.temp = s.step(s.temp, 0.2, 15, 30)
	s.hum = s.step(s.hum, 0.8, 20, 80)
	s.eco2 = s.step(s.eco2, 25, 400, 2500)
	s.tvoc = s.step(s.tvoc, 10, 0, 1500)

	eco2 := uint16(math.Round(s.eco2))
	return node.Reading{
		Temperature: math.Round(s.temp*10) / 10,
		Humidity:    math.Round(s.hum*10) / 10,
		ECO2:        eco2,
		TVOC:        uint16(math.Round(s.tvoc)),
		AQI:         AQIFromECO2(eco2),
	}, nil
}

func (s *Simulated) step(v, spread, lo, hi float64) float64 {
	v += (s.rng.Float64()*2 - 1) * spread
	return min(max(v, lo), hi)
}

// AQIFromECO2 maps an eCO2 concentration in ppm to the ENS160's
// five-level UBA air quality index.
func AQIFromECO2(ppm uint16) uint8 {
	switch {
	case ppm < 600:
		return 1
	case ppm < 800:
		return 2
	case ppm < 1000:
		return 3
	case ppm < 1500:
		return 4
	default:
		return 5
	}
}
