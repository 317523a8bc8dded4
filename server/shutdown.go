package main

/******************************************************************************
 *
 *  Description :
 *
 *    Graceful shutdown of the server.
 *
 *****************************************************************************/

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/topicsync/topicsync/server/logs"
)

// Give the http server this long to drain in-flight requests at shutdown.
const httpShutdownTimeout = 5 * time.Second

func signalHandler() <-chan bool {
	stop := make(chan bool)

	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		// Wait for a signal. Don't care which signal it is.
		sig := <-signchan
		logs.Info.Printf("Signal received: '%s', shutting down", sig)
		stop <- true
	}()

	return stop
}

func listenAndServe(addr string, handler http.Handler, stop <-chan bool) error {
	shuttingDown := false

	httpdone := make(chan bool)

	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		err := server.ListenAndServe()
		if shuttingDown && err == http.ErrServerClosed {
			// Not a failure.
			err = nil
			logs.Info.Println("HTTP server stopped")
		}
		if err != nil {
			logs.Err.Println("HTTP server:", err)
		}
		httpdone <- true
	}()

	logs.Info.Println("Listening on", addr)

	// Wait for either a termination signal or a server error.
loop:
	for {
		select {
		case <-stop:
			shuttingDown = true

			// Let connected clients know the server is going away.
			globals.hub.setStatus("shutdown")

			// Stop accepting new connections, drain what's in flight.
			ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			server.Shutdown(ctx)
			cancel()

			<-httpdone

			// Terminate all sessions.
			globals.sessionStore.Shutdown()

			// Shutdown the hub. The hub will shutdown all topics.
			hubdone := make(chan bool)
			globals.hub.shutdown <- hubdone
			<-hubdone

			statsShutdown()

			break loop

		case <-httpdone:
			break loop
		}
	}
	return nil
}
