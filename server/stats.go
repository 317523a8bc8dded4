// Logic related to live stats reporting: session, topic and call counts,
// change commit rates, memory usage etc. Counters are exposed twice, as
// expvar JSON and as Prometheus gauges, from the same async update stream.
// The updates happen in a separate go routine to avoid locking on main
// logic routines.

package main

import (
	"expvar"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/topicsync/topicsync/server/logs"
)

type varUpdate struct {
	// Name of the variable to update.
	varname string
	// Integer value to publish.
	count int64
	// Treat the count as an increment as opposite to the final value.
	inc bool
}

var promGauges map[string]prometheus.Gauge

// Initialize stats reporting through expvar and Prometheus. Either surface
// can be enabled on its own; the update pipeline runs if at least one is.
func statsInit(mux *http.ServeMux, expvarPath, metricsPath string) {
	expvarOn := expvarPath != "" && expvarPath != "-"
	metricsOn := metricsPath != "" && metricsPath != "-"
	if !expvarOn && !metricsOn {
		return
	}

	globals.statsUpdate = make(chan *varUpdate, 1024)

	if expvarOn {
		mux.Handle(expvarPath, expvar.Handler())

		start := time.Now()
		expvar.Publish("Uptime", expvar.Func(func() any {
			return time.Since(start).Seconds()
		}))
		expvar.Publish("NumGoroutines", expvar.Func(func() any {
			return runtime.NumGoroutine()
		}))

		logs.Info.Printf("stats: variables exposed at '%s'", expvarPath)
	}

	if metricsOn {
		promGauges = make(map[string]prometheus.Gauge)
		mux.Handle(metricsPath, promhttp.Handler())
		logs.Info.Printf("stats: prometheus metrics exposed at '%s'", metricsPath)
	}

	go statsUpdater()
}

// Register integer variable. Don't check for initialization.
func statsRegisterInt(name string) {
	expvar.Publish(name, new(expvar.Int))

	if promGauges != nil {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "topicsync",
			Name:      camelToSnake(name),
		})
		prometheus.MustRegister(g)
		promGauges[name] = g
	}
}

// Async publish int variable.
func statsSet(name string, val int64) {
	if globals.statsUpdate != nil {
		select {
		case globals.statsUpdate <- &varUpdate{name, val, false}:
		default:
		}
	}
}

// Async publish an increment (decrement) to int variable.
func statsInc(name string, val int) {
	if globals.statsUpdate != nil {
		select {
		case globals.statsUpdate <- &varUpdate{name, int64(val), true}:
		default:
		}
	}
}

// Stop publishing stats.
func statsShutdown() {
	if globals.statsUpdate != nil {
		globals.statsUpdate <- nil
	}
}

// The go routine which actually publishes stats updates.
func statsUpdater() {
	for upd := range globals.statsUpdate {
		if upd == nil {
			globals.statsUpdate = nil
			// Dont' care to close the channel.
			break
		}

		// Handle var update.
		if ev := expvar.Get(upd.varname); ev != nil {
			// Intentional panic if the ev is not *expvar.Int.
			intvar := ev.(*expvar.Int)
			if upd.inc {
				intvar.Add(upd.count)
			} else {
				intvar.Set(upd.count)
			}
			if g := promGauges[upd.varname]; g != nil {
				if upd.inc {
					g.Add(float64(upd.count))
				} else {
					g.Set(float64(upd.count))
				}
			}
		} else {
			panic("stats: update to unknown variable " + upd.varname)
		}
	}

	logs.Info.Println("stats: shutdown")
}

// camelToSnake converts expvar-style names like LiveSessions to
// prometheus-style live_sessions.
func camelToSnake(name string) string {
	var sb strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			// Break before an uppercase run start and before the last
			// letter of a run followed by lowercase (RPCCalls -> rpc_calls).
			if i > 0 && (runes[i-1] < 'A' || runes[i-1] > 'Z' ||
				(i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z')) {
				sb.WriteByte('_')
			}
			sb.WriteRune(r - 'A' + 'a')
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
