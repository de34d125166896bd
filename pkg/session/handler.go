package session

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
)

var (
	errType     = reflect.TypeOf((*error)(nil)).Elem()
	sessionType = reflect.TypeOf((*dmtp.SessionClient)(nil)).Elem()
)

// Handler stores reflection info for invoking a user handler.
type Handler struct {
	fn       reflect.Value
	reqType  reflect.Type
	respType reflect.Type
}

// NewHandler inspects fn. Supported signatures:
//
//	func(dmtp.SessionClient, ReqT) (RespT, error)
//	func(dmtp.SessionClient, ReqT) error
func NewHandler(fn any) (*Handler, error) {
	if fn == nil {
		return nil, errors.New("handler must be a function, got nil")
	}
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function, got %T", fn)
	}

	numOut := ft.NumOut()
	if numOut == 0 || numOut > 2 || !ft.Out(numOut-1).Implements(errType) {
		return nil, fmt.Errorf("handler must return an error as its last result, signature: %s", ft)
	}
	if ft.NumIn() != 2 || !sessionType.AssignableTo(ft.In(0)) {
		return nil, fmt.Errorf("handler must take (dmtp.SessionClient, ReqT), signature: %s", ft)
	}

	h := &Handler{fn: fv, reqType: ft.In(1)}
	if isInterface(h.reqType) {
		return nil, fmt.Errorf("handler request type cannot be an interface: %s", ft)
	}
	if numOut == 2 {
		h.respType = ft.Out(0)
		if isInterface(h.respType) {
			return nil, fmt.Errorf("handler response type cannot be an interface: %s", ft)
		}
	}
	return h, nil
}

func isInterface(t reflect.Type) bool {
	return t.Kind() == reflect.Interface || (t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Interface)
}

// HasResponse reports whether the handler returns a payload.
func (h *Handler) HasResponse() bool { return h.respType != nil }

// call decodes the payload and invokes the handler. A decode failure is
// reported as a bad request; a panic inside the handler as an internal error.
func (h *Handler) call(s dmtp.SessionClient, ser dmtp.Serializer, env *dmtp.Envelope) (resp any, errPayload *dmtp.ErrorPayload) {
	var req reflect.Value
	if h.reqType.Kind() == reflect.Ptr {
		req = reflect.New(h.reqType.Elem())
	} else {
		req = reflect.New(h.reqType)
	}
	if err := env.DecodePayload(ser, req.Interface()); err != nil {
		return nil, &dmtp.ErrorPayload{Code: dmtp.CodeBadRequest, Message: "invalid payload: " + err.Error()}
	}
	if h.reqType.Kind() != reflect.Ptr {
		req = req.Elem()
	}

	defer func() {
		if r := recover(); r != nil {
			resp = nil
			errPayload = &dmtp.ErrorPayload{Code: dmtp.CodeInternal, Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	results := h.fn.Call([]reflect.Value{reflect.ValueOf(s), req})

	if errVal := results[len(results)-1]; !errVal.IsNil() {
		err := errVal.Interface().(error)
		var remote *dmtp.RemoteError
		if errors.As(err, &remote) {
			return nil, &dmtp.ErrorPayload{Code: remote.Code, Message: remote.Message}
		}
		return nil, &dmtp.ErrorPayload{Code: dmtp.CodeInternal, Message: err.Error()}
	}
	if h.respType != nil {
		return results[0].Interface(), nil
	}
	return nil, nil
}

// Router maps topics to handlers. It is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]*Handler)}
}

// Handle registers fn for topic, replacing any earlier handler.
func (r *Router) Handle(topic string, fn any) error {
	if topic == "" {
		return errors.New("handler topic cannot be empty")
	}
	h, err := NewHandler(fn)
	if err != nil {
		return fmt.Errorf("topic '%s': %w", topic, err)
	}
	r.mu.Lock()
	r.handlers[topic] = h
	r.mu.Unlock()
	return nil
}

func (r *Router) Lookup(topic string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[topic]
	return h, ok
}
