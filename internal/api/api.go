// Package api is the renderer bridge: a small HTTP surface that relays requests to the IPC dispatcher and
// streams store events over websockets
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/ipc"
	"github.com/deskthing/deskthingd/internal/metrics"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
)

var log = util.GetLogger("api")
var rend = render.New(render.Options{IndentJSON: true})

const (
	// PathIPC is the invoke endpoint
	PathIPC = "/api/v1/ipc"
	// PathEvents is the websocket event stream
	PathEvents = "/api/v1/events"
	// PathHealth answers as long as the daemon is up
	PathHealth = "/healthz"

	maxBodySize     = 1 << 20
	shutdownTimeout = 5 * time.Second
)

type httperr struct {
	Error string `json:"error"`
}

type httpresult struct {
	Result interface{} `json:"result"`
}

// Dispatcher serves request envelopes
type Dispatcher interface {
	Dispatch(ctx context.Context, env ipc.Envelope) (interface{}, error)
}

// Config holds the parameters of the bridge
type Config struct {
	ListenAddr     string
	MetricsEnabled bool
}

type route struct {
	Name        string
	Method      string
	Pattern     string
	HandlerFunc func(handlerAccess) http.Handler
}

type routes []route

type handlerAccess struct {
	dispatcher Dispatcher
	bus        *events.Bus
	quit       <-chan struct{}
	conns      *sync.WaitGroup
}

var apiRoutes = routes{
	route{
		Name:        "ipc",
		Method:      "POST",
		Pattern:     PathIPC,
		HandlerFunc: ipcHandler,
	},
	route{
		Name:        "health",
		Method:      "GET",
		Pattern:     PathHealth,
		HandlerFunc: healthHandler,
	},
	route{
		Name:        "events",
		Pattern:     PathEvents,
		HandlerFunc: eventsHandler,
	},
}

// Server is the renderer bridge
type Server struct {
	cfg     Config
	ha      handlerAccess
	quit    chan struct{}
	handler http.Handler
	once    sync.Once
}

// New creates the bridge. Nothing listens until Run is called
func New(cfg Config, dispatcher Dispatcher, bus *events.Bus) *Server {
	if dispatcher == nil || bus == nil {
		log.Panic("Failed to create web server: none of the inputs can be nil")
	}
	quit := make(chan struct{})
	s := &Server{
		cfg:  cfg,
		quit: quit,
		ha:   handlerAccess{dispatcher: dispatcher, bus: bus, quit: quit, conns: &sync.WaitGroup{}},
	}

	mainRtr := mux.NewRouter().StrictSlash(true)
	applyAPIroutes(s.ha, mainRtr, apiRoutes)
	if cfg.MetricsEnabled {
		metrics.Register(mainRtr)
	}

	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.Use(negroni.HandlerFunc(HTTPLogger))
	n.UseHandler(mainRtr)
	s.handler = n
	return s
}

func applyAPIroutes(ha handlerAccess, r *mux.Router, routes []route) *mux.Router {
	for _, route := range routes {
		if route.Method != "" {
			// if route method is set (GET, POST etc), the route is only valid for that method
			r.Methods(route.Method).Path(route.Pattern).Name(route.Name).Handler(route.HandlerFunc(ha))
		} else {
			// if route method is not set, it will work for all methods. Useful for WS
			r.Path(route.Pattern).Name(route.Name).Handler(route.HandlerFunc(ha))
		}
	}
	return r
}

// Handler returns the HTTP handler of the bridge
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Close terminates the open websocket connections and waits for them to finish
func (s *Server) Close() {
	s.once.Do(func() { close(s.quit) })
	s.ha.conns.Wait()
}

// Run listens on the configured address until the context is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:           s.cfg.ListenAddr,
		Handler:        s.handler,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	failed := make(chan error, 1)
	go func() {
		log.Infof("Listening on '%s'", srv.Addr)
		if err := srv.ListenAndServe(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				log.Info("Webserver terminated successfully")
				return
			}
			log.Errorf("Webserver died with error: %s", err.Error())
			failed <- err
		}
	}()

	select {
	case err := <-failed:
		s.Close()
		return errors.Wrapf(err, "Failed to listen on '%s'", srv.Addr)
	case <-ctx.Done():
	}

	log.Info("Shutting down webserver")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return errors.Wrap(err, "Something went wrong while shutting down the webserver")
	}
	return nil
}

//
// Handlers
//

func ipcHandler(ha handlerAccess) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env ipc.Envelope
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&env); err != nil {
			log.Debugf("Invalid IPC request: %s", err.Error())
			rend.JSON(w, http.StatusBadRequest, httperr{Error: "invalid request envelope: " + err.Error()})
			return
		}

		result, err := ha.dispatcher.Dispatch(r.Context(), env)
		if err != nil {
			status := httpStatus(err)
			if status == http.StatusInternalServerError {
				log.Errorf("Request %s/%s failed: %s", env.Kind, env.Type, err.Error())
			} else {
				log.Debugf("Request %s/%s rejected: %s", env.Kind, env.Type, err.Error())
			}
			rend.JSON(w, status, httperr{Error: err.Error()})
			return
		}
		rend.JSON(w, http.StatusOK, httpresult{Result: result})
	})
}

func healthHandler(ha handlerAccess) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rend.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func httpStatus(err error) int {
	switch {
	case util.IsErrorType(err, util.ErrValidation):
		return http.StatusBadRequest
	case util.IsErrorType(err, util.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// HTTPLogger is a http middleware that logs requests
func HTTPLogger(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()

	next(w, r)

	log.Debugf(
		"HTTP|%s|%s -\t%s",
		r.Method,
		time.Since(start),
		r.RequestURI,
	)
}

func channelsFromQuery(values []string) []events.Channel {
	channels := []events.Channel{}
	for _, v := range values {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				channels = append(channels, events.Channel(c))
			}
		}
	}
	return channels
}
