// Package ipc maps request envelopes coming from the renderer bridge to store operations.
//
// Every kind declares its operations in Operations. A Dispatcher can only be built when the handlers and
// the declarations match exactly, so an operation can never be declared without being served or served
// without being declared.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/deskthing/deskthingd/internal/metrics"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var log = util.GetLogger("ipc")
var validate = validator.New()

// Kind selects the store or domain of a request
type Kind string

// Request kinds
const (
	KindUtility      Kind = "utility"
	KindUpdate       Kind = "update"
	KindRelease      Kind = "release"
	KindFlash        Kind = "flash"
	KindNotification Kind = "notification"
	KindStats        Kind = "stats"
	KindPlugin       Kind = "plugin"
	KindTask         Kind = "task"
)

var (
	// ErrUnknownKind is returned for envelopes whose kind has no handlers
	ErrUnknownKind = util.NewTypedError(util.ErrNotFound, "unknown request kind")
	// ErrUnhandled is returned for envelopes whose type and request are not served by their kind
	ErrUnhandled = util.NewTypedError(util.ErrValidation, "unhandled request")
)

// Envelope is a request coming from the renderer
type Envelope struct {
	Kind    Kind            `json:"kind" validate:"required"`
	Type    string          `json:"type" validate:"required"`
	Request string          `json:"request,omitempty" validate:"omitempty,oneof=get set toggle add remove"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Op identifies an operation of a kind
type Op struct {
	Type    string
	Request string
}

func (op Op) String() string {
	if op.Request == "" {
		return op.Type
	}
	return op.Type + ":" + op.Request
}

// Handler serves a single operation
type Handler func(ctx context.Context, env Envelope) (interface{}, error)

// Handlers maps the operations of a kind to their handlers
type Handlers map[Op]Handler

// Operations declares every operation served by the daemon
var Operations = map[Kind][]Op{
	KindUtility: {
		{"ping", ""}, {"shutdown", ""}, {"local-ips", ""}, {"logs", ""}, {"stores", ""},
		{"settings", "get"}, {"settings", "set"}, {"setting", "set"},
		{"flag", "get"}, {"flag", "set"}, {"flag", "toggle"},
		{"clear-cache", ""}, {"save", ""},
	},
	KindUpdate: {
		{"check", ""}, {"download", ""}, {"install", ""}, {"status", ""}, {"progress", ""},
	},
	KindRelease: {
		{"client", ""}, {"app", ""}, {"community", ""}, {"refresh", ""}, {"repo", "add"}, {"repo", "remove"},
	},
	KindFlash: {
		{"state", ""}, {"steps", ""}, {"start", ""}, {"cancel", ""}, {"usb-mode", ""},
	},
	KindNotification: {
		{"list", ""}, {"get", ""}, {"acknowledge", ""}, {"delete", ""},
	},
	KindStats: {
		{"collect", ""}, {"flush", ""}, {"system", ""}, {"queued", ""},
	},
	KindPlugin: {
		{"scan", ""}, {"list", ""}, {"get", ""}, {"application", ""},
	},
	KindTask: {
		{"list", ""}, {"get", ""}, {"kill", ""},
	},
}

// Dispatcher routes envelopes to handlers
type Dispatcher struct {
	handlers map[Kind]Handlers
}

// NewDispatcher builds a dispatcher from handlers grouped by kind. It fails when a declared operation has
// no handler, or when a handler serves an operation that is not declared
func NewDispatcher(declared map[Kind][]Op, handlers map[Kind]Handlers) (*Dispatcher, error) {
	problems := []string{}
	for kind, ops := range declared {
		served := handlers[kind]
		for _, op := range ops {
			if h, found := served[op]; !found || h == nil {
				problems = append(problems, fmt.Sprintf("%s/%s has no handler", kind, op))
			}
		}
	}
	for kind, served := range handlers {
		ops, found := declared[kind]
		if !found {
			problems = append(problems, fmt.Sprintf("kind %s is not declared", kind))
			continue
		}
		for op := range served {
			if !containsOp(ops, op) {
				problems = append(problems, fmt.Sprintf("%s/%s is not declared", kind, op))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, errors.Errorf("incomplete dispatch table: %s", strings.Join(problems, ", "))
	}
	return &Dispatcher{handlers: handlers}, nil
}

func containsOp(ops []Op, op Op) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

// Dispatch validates the envelope and runs the matching handler. Panics in handlers are recovered and
// reported as internal errors
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) (result interface{}, err error) {
	start := time.Now()
	kind, typ := "unknown", "unknown"
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Handler for %s/%s panicked: %v", env.Kind, env.Type, r)
			result = nil
			err = util.NewTypedError(util.ErrInternal, "handler for %s/%s failed", env.Kind, env.Type)
		}
		metrics.RecordIPCRequest(kind, typ, status(err), time.Since(start))
	}()

	if err := validate.Struct(env); err != nil {
		return nil, util.WrapTyped(err, util.ErrValidation, "invalid request envelope")
	}
	handlers, found := d.handlers[env.Kind]
	if !found {
		return nil, errors.Wrapf(ErrUnknownKind, "'%s'", env.Kind)
	}
	kind = string(env.Kind)
	op := Op{Type: env.Type, Request: env.Request}
	handler, found := handlers[op]
	if !found {
		return nil, errors.Wrapf(ErrUnhandled, "%s/%s", env.Kind, op)
	}
	typ = env.Type

	log.Tracef("Dispatching %s/%s", env.Kind, op)
	return handler(ctx, env)
}

func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case util.IsErrorType(err, util.ErrValidation):
		return "invalid"
	case util.IsErrorType(err, util.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// decode unmarshals and validates a struct payload
func decode(env Envelope, v interface{}) error {
	if len(env.Payload) == 0 {
		return util.NewTypedError(util.ErrValidation, "%s/%s requires a payload", env.Kind, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return util.WrapTyped(err, util.ErrValidation, fmt.Sprintf("invalid payload for %s/%s", env.Kind, env.Type))
	}
	if err := validate.Struct(v); err != nil {
		return util.WrapTyped(err, util.ErrValidation, fmt.Sprintf("invalid payload for %s/%s", env.Kind, env.Type))
	}
	return nil
}

// decodeOptional is decode for payloads that can be omitted
func decodeOptional(env Envelope, v interface{}) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil
	}
	return decode(env, v)
}

// decodeString returns a non empty string payload
func decodeString(env Envelope) (string, error) {
	var s string
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return "", util.WrapTyped(err, util.ErrValidation, fmt.Sprintf("%s/%s expects a string payload", env.Kind, env.Type))
		}
	}
	if s == "" {
		return "", util.NewTypedError(util.ErrValidation, "%s/%s requires a non empty string payload", env.Kind, env.Type)
	}
	return s, nil
}
