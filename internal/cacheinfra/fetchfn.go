package cacheinfra

import (
	"context"
	"reflect"
)

// FetchFnError reports a fetch function whose signature is not
// func(context.Context) (T, error).
type FetchFnError struct {
	Message string
}

// Error implements the error interface.
func (e *FetchFnError) Error() string {
	return "cacheinfra: fetchFn " + e.Message
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// validateFetchFn checks fetchFn and returns its result type T.
func validateFetchFn(fetchFn any) (reflect.Type, error) {
	if fetchFn == nil {
		return nil, &FetchFnError{Message: "cannot be nil"}
	}

	fnType := reflect.TypeOf(fetchFn)
	if fnType.Kind() != reflect.Func {
		return nil, &FetchFnError{Message: "must be a function"}
	}
	if fnType.NumIn() != 1 || fnType.NumOut() != 2 {
		return nil, &FetchFnError{Message: "must have signature func(context.Context) (T, error)"}
	}
	if !fnType.In(0).Implements(contextType) {
		return nil, &FetchFnError{Message: "first parameter must be context.Context"}
	}
	if !fnType.Out(1).Implements(errorType) {
		return nil, &FetchFnError{Message: "second return value must be error"}
	}
	return fnType.Out(0), nil
}

// callFetchFn invokes a validated fetch function.
func callFetchFn(ctx context.Context, fetchFn any) (any, error) {
	if fn, ok := fetchFn.(func(context.Context) (any, error)); ok {
		return fn(ctx)
	}

	results := reflect.ValueOf(fetchFn).Call([]reflect.Value{reflect.ValueOf(ctx)})

	var result any
	if v := results[0]; v.IsValid() && v.CanInterface() {
		result = v.Interface()
	}
	var err error
	if v := results[1]; v.IsValid() && !v.IsNil() {
		err = v.Interface().(error)
	}
	return result, err
}
