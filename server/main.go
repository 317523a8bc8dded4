/******************************************************************************
 *
 *  Description :
 *
 *    Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/handlers"
	jcr "github.com/tinode/jsonco"

	"github.com/topicsync/topicsync/server/logs"
)

const (
	// currentVersion is the protocol version reported at startup.
	currentVersion = "0.1"

	// Terminate a silent session after this timeout unless overridden
	// in the config.
	defaultIdleSessionTimeout = 55 * time.Second

	// Give up on an unanswered service call after this long unless
	// overridden in the config.
	defaultRPCTimeout = 15 * time.Second

	defaultMaxMessageSize = 1 << 19 // 512K

	defaultChannelPath = "/v0/channels"
)

var globals struct {
	hub *Hub

	sessionStore *SessionStore

	services *ServiceRegistry

	rpc *RPCRouter

	// Channel for broadcasting stats updates, see stats.go.
	statsUpdate chan *varUpdate

	// Maximum allowed inbound message size.
	maxMessageSize int64

	// Websocket per-message compression negotiation.
	wsCompression bool

	// Read deadline for silent websocket connections.
	idleSessionTimeout time.Duration

	// Inbound messages per second allowed on one connection, 0 disables
	// the limiter.
	rateLimit float64

	// Burst allowance for the rate limiter.
	rateLimitBurst int
}

type configType struct {
	// HTTP(S) address:port to listen on.
	Listen string `json:"listen"`
	// URL path the websocket endpoint is served from.
	ChannelPath string `json:"channel_path"`
	// URL path for exposing runtime stats, disabled if empty or "-".
	ExpvarPath string `json:"expvar"`
	// URL path for exposing prometheus metrics, disabled if empty or "-".
	MetricsPath string `json:"metrics"`
	// Maximum message size allowed from a client in bytes.
	MaxMessageSize int64 `json:"max_message_size"`
	// Enable websocket per message compression.
	WSCompression bool `json:"ws_compression_enabled"`
	// Idle session timeout in seconds.
	IdleSessionTimeout int `json:"idle_session_timeout"`
	// Service call timeout in seconds, 0 disables.
	RPCTimeout int `json:"rpc_timeout"`
	// Inbound messages per second allowed per connection, 0 disables.
	RateLimit float64 `json:"rate_limit"`
	// Burst allowance for the per-connection rate limiter.
	RateLimitBurst int `json:"rate_limit_burst"`
	// Worker id for session id generation, must be unique per instance
	// when several instances run behind one load balancer.
	WorkerID uint `json:"worker_id"`
}

func main() {
	executable, _ := os.Executable()
	logs.Info.Printf("Server v%s pid %d started with processes: %d", currentVersion, os.Getpid(),
		runtime.GOMAXPROCS(runtime.NumCPU()))
	logs.Info.Println("Executable:", executable)

	var configfile = flag.String("config", "topicsync.conf", "Path to config file.")
	var listenOn = flag.String("listen", "", "Override address and port to listen on for HTTP(S) clients.")
	flag.Parse()

	logs.Info.Printf("Using config from '%s'", *configfile)

	var config configType
	if file, err := os.Open(*configfile); err != nil {
		logs.Err.Fatal("Failed to read config file: ", err)
	} else {
		jr := jcr.New(file)
		if err = json.NewDecoder(jr).Decode(&config); err != nil {
			switch jerr := err.(type) {
			case *json.UnmarshalTypeError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
					jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
			case *json.SyntaxError:
				lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
				logs.Err.Fatalf("Syntax error in config file at %d:%d (offset %d bytes): %s",
					lnum, cnum, jerr.Offset, jerr.Error())
			default:
				logs.Err.Fatal("Failed to parse config file: ", err)
			}
		}
		file.Close()
	}

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if config.Listen == "" {
		config.Listen = ":6060"
	}
	if config.ChannelPath == "" {
		config.ChannelPath = defaultChannelPath
	}

	globals.maxMessageSize = config.MaxMessageSize
	if globals.maxMessageSize <= 0 {
		globals.maxMessageSize = defaultMaxMessageSize
	}
	globals.wsCompression = config.WSCompression
	upgrader.EnableCompression = config.WSCompression

	globals.idleSessionTimeout = defaultIdleSessionTimeout
	if config.IdleSessionTimeout > 0 {
		globals.idleSessionTimeout = time.Duration(config.IdleSessionTimeout) * time.Second
	}

	rpcTimeout := defaultRPCTimeout
	if config.RPCTimeout > 0 {
		rpcTimeout = time.Duration(config.RPCTimeout) * time.Second
	}

	globals.rateLimit = config.RateLimit
	globals.rateLimitBurst = config.RateLimitBurst
	if globals.rateLimit > 0 && globals.rateLimitBurst <= 0 {
		globals.rateLimitBurst = int(globals.rateLimit)
		if globals.rateLimitBurst < 1 {
			globals.rateLimitBurst = 1
		}
	}

	var err error
	globals.sessionStore, err = NewSessionStore(config.WorkerID)
	if err != nil {
		logs.Err.Fatal("Failed to initialize session store: ", err)
	}

	mux := http.NewServeMux()

	// Order matters. Stats are initialized before the hub and the router so
	// their counters exist when the first update fires.
	statsInit(mux, config.ExpvarPath, config.MetricsPath)
	statsRegisterInt("LiveTopics")
	statsRegisterInt("TotalTopics")
	statsRegisterInt("LiveSessions")
	statsRegisterInt("TotalSessions")
	statsRegisterInt("IncomingMessagesTotal")
	statsRegisterInt("OutgoingMessagesTotal")
	statsRegisterInt("CommittedChangesTotal")
	statsRegisterInt("RejectedChangesTotal")
	statsRegisterInt("RegisteredServices")
	statsRegisterInt("PendingRPCCalls")
	statsRegisterInt("RPCCallsTotal")

	globals.services = NewServiceRegistry()
	globals.rpc = NewRPCRouter(rpcTimeout)
	globals.hub = newHub()

	mux.HandleFunc(config.ChannelPath, serveWebSocket)

	stop := signalHandler()

	if err := listenAndServe(config.Listen, handlers.CombinedLoggingHandler(os.Stdout, mux), stop); err != nil {
		logs.Err.Fatal(err)
	}
}
