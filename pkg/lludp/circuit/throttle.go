package circuit

import (
	"encoding/binary"
	"math"

	"gridlink/pkg/lludp/messages"
)

// Default per-category bandwidth budgets in bits per second, sent once
// the circuit becomes active. Categories: resend, land, wind, cloud,
// task, texture, asset.
var defaultThrottleRates = [7]float32{
	150000, 170000, 34000, 34000, 446000, 446000, 220000,
}

func defaultThrottle() *messages.AgentThrottle {
	var m messages.AgentThrottle
	for i, rate := range defaultThrottleRates {
		binary.LittleEndian.PutUint32(m.Throttles[i*4:], math.Float32bits(rate))
	}
	return &m
}
