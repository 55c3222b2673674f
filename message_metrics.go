package vhostuser

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/vhostuser/header"
)

// MessageMetrics counts messages per request code.
type MessageMetrics struct {
	rx []metrics.Counter
	tx []metrics.Counter

	rxUnknown metrics.Counter
	txUnknown metrics.Counter
}

func (m *MessageMetrics) Rx(code uint32, i int64) {
	if m != nil {
		if int(code) < len(m.rx) && m.rx[code] != nil {
			m.rx[code].Inc(i)
		} else if m.rxUnknown != nil {
			m.rxUnknown.Inc(i)
		}
	}
}

func (m *MessageMetrics) Tx(code uint32, i int64) {
	if m != nil {
		if int(code) < len(m.tx) && m.tx[code] != nil {
			m.tx[code].Inc(i)
		} else if m.txUnknown != nil {
			m.txUnknown.Inc(i)
		}
	}
}

func newMessageMetrics() *MessageMetrics {
	gen := func(t string) []metrics.Counter {
		c := make([]metrics.Counter, header.RequestMax)
		for r := range header.RequestMax {
			c[r] = metrics.GetOrRegisterCounter(fmt.Sprintf("messages.%s.%s", t, r), nil)
		}
		return c
	}
	return &MessageMetrics{
		rx: gen("rx"),
		tx: gen("tx"),

		rxUnknown: metrics.GetOrRegisterCounter("messages.rx.other", nil),
		txUnknown: metrics.GetOrRegisterCounter("messages.tx.other", nil),
	}
}

// Only the back-end sends on the slave channel, replies count as rx.
func newSlaveMetrics() *MessageMetrics {
	gen := func(t string) []metrics.Counter {
		c := make([]metrics.Counter, header.SlaveMax)
		for r := range header.SlaveMax {
			c[r] = metrics.GetOrRegisterCounter(fmt.Sprintf("slave.%s.%s", t, r), nil)
		}
		return c
	}
	return &MessageMetrics{
		rx: gen("rx"),
		tx: gen("tx"),

		rxUnknown: metrics.GetOrRegisterCounter("slave.rx.other", nil),
		txUnknown: metrics.GetOrRegisterCounter("slave.tx.other", nil),
	}
}
