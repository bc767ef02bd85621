package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"stratum-rpc/message"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// methodType is one callable registered under a method name.
type methodType struct {
	fn        reflect.Value
	takesCtx  bool
	argTypes  []reflect.Type // Excluding the context
	hasResult bool           // func(...) (R, error) rather than func(...) error
}

// Dispatcher maps method names to Go functions and calls them with decoded parameters.
//
// A function is accepted when it has the shape
//
//	func([ctx context.Context,] p1 T1, ..., pn Tn) (R, error)
//	func([ctx context.Context,] p1 T1, ..., pn Tn) error
//
// Positional parameters are JSON-decoded into T1..Tn; the last one may be variadic.
// Keyword parameters are accepted only by functions taking a single struct, pointer to
// struct or map parameter, and are decoded into it.
type Dispatcher struct {
	mu      sync.RWMutex
	methods map[string]*methodType
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{methods: make(map[string]*methodType)}
}

// Register makes fn callable as name, replacing any previous registration.
func (d *Dispatcher) Register(name string, fn any) error {
	if name == "" {
		return errors.New("rpc: empty method name")
	}
	m, err := newMethodType(reflect.ValueOf(fn))
	if err != nil {
		return fmt.Errorf("rpc: method %q: %w", name, err)
	}
	d.mu.Lock()
	d.methods[name] = m
	d.mu.Unlock()
	return nil
}

// RegisterReceiver registers every exported method of rcvr that has an accepted shape,
// as namespace.snake_case_name. Mining.SubmitShare becomes "mining.submit_share".
func (d *Dispatcher) RegisterReceiver(namespace string, rcvr any) error {
	val := reflect.ValueOf(rcvr)
	typ := val.Type()
	if typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("rpc: receiver must be a pointer to a struct, got %s", typ)
	}
	if namespace == "" {
		namespace = snakeCase(typ.Elem().Name())
	}

	registered := 0
	for i := 0; i < typ.NumMethod(); i++ {
		m, err := newMethodType(val.Method(i))
		if err != nil {
			continue
		}
		d.mu.Lock()
		d.methods[namespace+"."+snakeCase(typ.Method(i).Name)] = m
		d.mu.Unlock()
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("rpc: %s has no exported methods of an accepted shape", typ)
	}
	return nil
}

// Has reports whether method is registered.
func (d *Dispatcher) Has(method string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.methods[method]
	return ok
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call runs the function registered for req.Method. Unknown methods yield a
// method-not-found error; parameters that do not fit the function yield
// message.ErrInvalidParams. A panic in the function is returned as a server error.
func (d *Dispatcher) Call(ctx context.Context, req *message.Request) (result any, err error) {
	d.mu.RLock()
	m, ok := d.methods[req.Method]
	d.mu.RUnlock()
	if !ok {
		return nil, message.MethodNotFound(req.Method)
	}

	in, err := m.decode(req)
	if err != nil {
		return nil, err
	}
	if m.takesCtx {
		in = append([]reflect.Value{reflect.ValueOf(ctx)}, in...)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: method %q panicked: %v", message.ErrServer, req.Method, r)
		}
	}()

	var out []reflect.Value
	if m.fn.Type().IsVariadic() {
		out = m.fn.CallSlice(in)
	} else {
		out = m.fn.Call(in)
	}

	errv := out[len(out)-1]
	if !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	if m.hasResult {
		return out[0].Interface(), nil
	}
	return nil, nil
}

func newMethodType(fn reflect.Value) (*methodType, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, errors.New("not a function")
	}
	typ := fn.Type()

	switch {
	case typ.NumOut() == 1 && typ.Out(0) == errorType:
	case typ.NumOut() == 2 && typ.Out(1) == errorType:
	default:
		return nil, errors.New("must return (R, error) or error")
	}

	m := &methodType{fn: fn, hasResult: typ.NumOut() == 2}
	start := 0
	if typ.NumIn() > 0 && typ.In(0) == contextType {
		m.takesCtx = true
		start = 1
	}
	for i := start; i < typ.NumIn(); i++ {
		m.argTypes = append(m.argTypes, typ.In(i))
	}
	return m, nil
}

// decode turns the request parameters into call arguments, excluding the context. For a
// variadic function the last value is the slice of variadic arguments.
func (m *methodType) decode(req *message.Request) ([]reflect.Value, error) {
	if len(req.Kwargs) > 0 {
		return m.decodeKwargs(req.Kwargs)
	}

	variadic := m.fn.Type().IsVariadic()
	fixed := len(m.argTypes)
	if variadic {
		fixed--
	}
	if len(req.Args) < fixed || (!variadic && len(req.Args) > fixed) {
		return nil, fmt.Errorf("%w: %s takes %d parameters, got %d",
			message.ErrInvalidParams, req.Method, fixed, len(req.Args))
	}

	in := make([]reflect.Value, 0, len(m.argTypes))
	for i := 0; i < fixed; i++ {
		v, err := decodeValue(req.Args[i], m.argTypes[i])
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %d: %v", message.ErrInvalidParams, i, err)
		}
		in = append(in, v)
	}
	if variadic {
		sliceType := m.argTypes[fixed]
		rest := reflect.MakeSlice(sliceType, 0, len(req.Args)-fixed)
		for i := fixed; i < len(req.Args); i++ {
			v, err := decodeValue(req.Args[i], sliceType.Elem())
			if err != nil {
				return nil, fmt.Errorf("%w: parameter %d: %v", message.ErrInvalidParams, i, err)
			}
			rest = reflect.Append(rest, v)
		}
		in = append(in, rest)
	}
	return in, nil
}

func (m *methodType) decodeKwargs(kwargs map[string]any) ([]reflect.Value, error) {
	if len(m.argTypes) != 1 || m.fn.Type().IsVariadic() || !acceptsKwargs(m.argTypes[0]) {
		return nil, fmt.Errorf("%w: keyword parameters are not accepted", message.ErrInvalidParams)
	}
	v, err := decodeValue(kwargs, m.argTypes[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrInvalidParams, err)
	}
	return []reflect.Value{v}, nil
}

func acceptsKwargs(t reflect.Type) bool {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct || t.Kind() == reflect.Map
}

// decodeValue converts a parameter into a value of type t by way of its JSON form.
// Parameters read off the wire are already json.RawMessage.
func decodeValue(param any, t reflect.Type) (reflect.Value, error) {
	raw, ok := param.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(param)
		if err != nil {
			return reflect.Value{}, err
		}
		raw = b
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

func snakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
