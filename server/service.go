package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method    reflect.Method
	withCtx   bool           // First parameter is a context.Context
	argTypes  []reflect.Type // Remaining parameters, filled from argv
	hasResult bool
	hasError  bool
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for exported methods usable from a page. Accepted shapes:
//
//	func (T) M([ctx context.Context,] args...)
//	func (T) M(...) R
//	func (T) M(...) error
//	func (T) M(...) (R, error)
//
// Variadic methods are skipped.
func newService(name string, rcvr any) (*service, error) {
	if rcvr == nil {
		return nil, fmt.Errorf("server: nil receiver for %q", name)
	}
	typ := reflect.TypeOf(rcvr)
	svc := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		if mt, ok := inspectMethod(typ.Method(i)); ok {
			svc.method[mt.method.Name] = mt
		}
	}
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("server: %s has no callable methods", typ)
	}
	return svc, nil
}

func inspectMethod(method reflect.Method) (*methodType, bool) {
	mtype := method.Type
	if mtype.IsVariadic() || mtype.NumOut() > 2 {
		return nil, false
	}

	mt := &methodType{method: method}
	first := 1 // skip the receiver
	if mtype.NumIn() > 1 && mtype.In(1) == contextType {
		mt.withCtx = true
		first = 2
	}
	for i := first; i < mtype.NumIn(); i++ {
		mt.argTypes = append(mt.argTypes, mtype.In(i))
	}

	switch mtype.NumOut() {
	case 1:
		if mtype.Out(0) == errorType {
			mt.hasError = true
		} else {
			mt.hasResult = true
		}
	case 2:
		if mtype.Out(1) != errorType {
			return nil, false
		}
		mt.hasResult, mt.hasError = true, true
	}
	return mt, true
}

// lookup resolves a script-side member name: "play" finds Play.
func (s *service) lookup(name string) (*methodType, bool) {
	if mt, ok := s.method[name]; ok {
		return mt, true
	}
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return nil, false
	}
	mt, ok := s.method[string(unicode.ToUpper(r))+name[size:]]
	return mt, ok
}

// call converts argv to the parameter types and invokes the method. Missing
// arguments take their zero value, extra ones are ignored.
func (s *service) call(ctx context.Context, mt *methodType, argv []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s.%s panicked: %v", s.name, mt.method.Name, r)
		}
	}()

	in := []reflect.Value{s.rcvr}
	if mt.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, typ := range mt.argTypes {
		arg := reflect.New(typ)
		if i < len(argv) && argv[i] != nil {
			data, err := json.Marshal(argv[i])
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			if err := json.Unmarshal(data, arg.Interface()); err != nil {
				return nil, fmt.Errorf("argument %d of %s.%s: %w", i, s.name, mt.method.Name, err)
			}
		}
		in = append(in, arg.Elem())
	}

	out := mt.method.Func.Call(in)
	if mt.hasError {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
	}
	if mt.hasResult {
		return out[0].Interface(), nil
	}
	return nil, nil
}
