// Package host owns the registry of locally hosted objects and the single
// dispatch loop answering inbound calls.
package host

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/lanrpc/pkg/logging"
	"github.com/lanrpc/pkg/protocol"
	"github.com/lanrpc/pkg/transport"
)

// MethodCaller is the explicit capability surface for hosted objects that want
// to handle dispatch themselves (and the only way to receive keyword
// arguments). Objects without it are dispatched by reflection.
type MethodCaller interface {
	CallMethod(name string, args []interface{}, kwargs map[string]interface{}) (interface{}, error)
}

// Observer is notified after each dispatched call. Used for metrics.
type Observer func(service, method string, remoteErr *protocol.RemoteError)

// Host holds the local service registrations and serves the call listener.
// The registry is owned exclusively by the host: names are added via Register
// and removed only at teardown.
type Host struct {
	listener *transport.Listener
	observer Observer

	mu      sync.RWMutex
	objects map[string]interface{}

	startOnce sync.Once
	done      chan struct{}
}

// New creates a host serving the given listener.
func New(l *transport.Listener) *Host {
	return &Host{
		listener: l,
		objects:  make(map[string]interface{}),
		done:     make(chan struct{}),
	}
}

// SetObserver installs the per-call observer. Must be called before Start.
func (h *Host) SetObserver(obs Observer) {
	h.observer = obs
}

// Register binds an object to a service name. Registering an existing name
// replaces the object.
func (h *Host) Register(name string, obj interface{}) {
	h.mu.Lock()
	h.objects[name] = obj
	h.mu.Unlock()
	logging.Logf("[host] registered service %q", name)
}

// Has reports whether name is hosted locally.
func (h *Host) Has(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.objects[name]
	return ok
}

// Names returns the locally hosted service names.
func (h *Host) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.objects))
	for name := range h.objects {
		out = append(out, name)
	}
	return out
}

// Start launches the dispatch loop on its own goroutine. The loop runs for the
// process lifetime and terminates only when the listener shuts down.
func (h *Host) Start() {
	h.startOnce.Do(func() {
		go h.loop()
	})
}

// Done is closed when the dispatch loop has exited.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

func (h *Host) loop() {
	defer close(h.done)
	for req := range h.listener.Requests() {
		// One freshly built response per request; faults never escape the loop
		resp := h.handle(req.Body)
		body, err := protocol.EncodeResponse(resp)
		if err != nil {
			// The caller still gets its one reply, carrying the fault instead
			// of the result that would not marshal
			logging.Errorf("[host] encode response failed: %v", err)
			resp = &protocol.CallResponse{
				ID: resp.ID,
				Error: &protocol.RemoteError{
					Kind:    protocol.KindRemoteInvocation,
					Message: fmt.Sprintf("unserializable result: %v", err),
				},
			}
			if body, err = protocol.EncodeResponse(resp); err != nil {
				logging.Errorf("[host] encode fallback failed: %v", err)
				continue
			}
		}
		if err := req.Reply(body); err != nil {
			logging.Debugf("[host] reply write failed: %v", err)
		}
	}
	logging.Log("[host] dispatch loop stopped")
}

func (h *Host) handle(body []byte) *protocol.CallResponse {
	req, err := protocol.DecodeRequest(body)
	if err != nil {
		return &protocol.CallResponse{
			Error: &protocol.RemoteError{Kind: protocol.KindRemoteDispatch, Message: err.Error()},
		}
	}

	resp := &protocol.CallResponse{ID: req.ID}

	h.mu.RLock()
	obj, ok := h.objects[req.Service]
	h.mu.RUnlock()
	if !ok {
		logging.Errorf("[host] service object %s missing", req.Service)
		resp.Error = &protocol.RemoteError{
			Kind:    protocol.KindRemoteDispatch,
			Message: fmt.Sprintf("service object %s missing", req.Service),
		}
		h.observe(req.Service, req.Method, resp.Error)
		return resp
	}

	result, remoteErr := dispatch(obj, req)
	resp.Result = result
	resp.Error = remoteErr
	h.observe(req.Service, req.Method, remoteErr)
	return resp
}

func (h *Host) observe(service, method string, remoteErr *protocol.RemoteError) {
	if h.observer != nil {
		h.observer(service, method, remoteErr)
	}
}

// dispatch resolves and invokes one method (or reads one field) on obj. Any
// panic during invocation is captured and reported as an invocation error.
func dispatch(obj interface{}, req *protocol.CallRequest) (result interface{}, remoteErr *protocol.RemoteError) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			remoteErr = &protocol.RemoteError{
				Kind:    protocol.KindRemoteInvocation,
				Message: fmt.Sprintf("%s.%s panicked: %v", req.Service, req.Method, r),
			}
		}
	}()

	if mc, ok := obj.(MethodCaller); ok {
		res, err := mc.CallMethod(req.Method, req.Args, req.Kwargs)
		if err != nil {
			return nil, &protocol.RemoteError{Kind: protocol.KindRemoteInvocation, Message: err.Error()}
		}
		return res, nil
	}

	v := reflect.ValueOf(obj)
	method := v.MethodByName(req.Method)
	if !method.IsValid() {
		// Not a method; an exported field resolves to its value, like reading
		// an attribute
		fv := reflect.Indirect(v)
		if fv.Kind() == reflect.Struct {
			if field := fv.FieldByName(req.Method); field.IsValid() && field.CanInterface() {
				return field.Interface(), nil
			}
		}
		return nil, &protocol.RemoteError{
			Kind:    protocol.KindRemoteDispatch,
			Message: fmt.Sprintf("no attribute %s in %s", req.Method, req.Service),
		}
	}

	if len(req.Kwargs) > 0 {
		return nil, &protocol.RemoteError{
			Kind:    protocol.KindRemoteDispatch,
			Message: fmt.Sprintf("%s.%s: keyword arguments require a MethodCaller service", req.Service, req.Method),
		}
	}

	in, convErr := buildArgs(method.Type(), req.Args)
	if convErr != nil {
		return nil, &protocol.RemoteError{
			Kind:    protocol.KindRemoteDispatch,
			Message: fmt.Sprintf("%s.%s: %v", req.Service, req.Method, convErr),
		}
	}

	out := method.Call(in)
	return splitResults(req, out)
}

// buildArgs converts wire arguments to the method's parameter types.
func buildArgs(mt reflect.Type, args []interface{}) ([]reflect.Value, error) {
	numIn := mt.NumIn()
	if mt.IsVariadic() {
		if len(args) < numIn-1 {
			return nil, fmt.Errorf("want at least %d argument(s), got %d", numIn-1, len(args))
		}
	} else if len(args) != numIn {
		return nil, fmt.Errorf("want %d argument(s), got %d", numIn, len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		var pt reflect.Type
		if mt.IsVariadic() && i >= numIn-1 {
			pt = mt.In(numIn - 1).Elem()
		} else {
			pt = mt.In(i)
		}
		v, err := convertArg(arg, pt)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %v", i, err)
		}
		in[i] = v
	}
	return in, nil
}

// convertArg coerces one decoded JSON value to the parameter type. The slow
// path round-trips through the codec, which covers structs, slices and the
// float64-to-int cases JSON decoding leaves behind.
func convertArg(arg interface{}, pt reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(pt), nil
	}
	av := reflect.ValueOf(arg)
	if av.Type().AssignableTo(pt) {
		return av, nil
	}
	if av.Type().ConvertibleTo(pt) && av.Kind() != reflect.String && pt.Kind() != reflect.String {
		return av.Convert(pt), nil
	}

	raw, err := sonic.Marshal(arg)
	if err != nil {
		return reflect.Value{}, err
	}
	target := reflect.New(pt)
	if err := sonic.Unmarshal(raw, target.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, pt)
	}
	return target.Elem(), nil
}

// splitResults maps method return values onto the response envelope. A trailing
// non-nil error becomes an invocation error; the first remaining value is the
// result.
func splitResults(req *protocol.CallRequest, out []reflect.Value) (interface{}, *protocol.RemoteError) {
	if len(out) == 0 {
		return nil, nil
	}

	last := out[len(out)-1]
	if last.Type().Implements(reflect.TypeOf((*error)(nil)).Elem()) {
		if !last.IsNil() {
			return nil, &protocol.RemoteError{
				Kind:    protocol.KindRemoteInvocation,
				Message: fmt.Sprintf("%s.%s: %v", req.Service, req.Method, last.Interface()),
			}
		}
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0].Interface(), nil
}
