// Package reflector derives stable type names for event payloads. Names are
// cached per reflect.Type since they are derived on every prepare.
package reflector

import (
	"reflect"
	"sync"
)

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]TypeInfo)
)

type TypeInfo struct {
	Name string
	Type reflect.Type
}

func TypeInfoOf(x any) TypeInfo {
	return typeInfoForType(reflect.TypeOf(x))
}

func TypeInfoFor[T any]() TypeInfo {
	return typeInfoForType(reflect.TypeOf((*T)(nil)).Elem())
}

func typeInfoForType(t reflect.Type) TypeInfo {
	muCache.RLock()
	ti, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return ti
	}

	if t == nil {
		return TypeInfo{}
	}

	key := t
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	ti = TypeInfo{
		Name: t.PkgPath() + "." + t.Name(),
		Type: t,
	}

	muCache.Lock()
	cache[key] = ti
	muCache.Unlock()
	return ti
}
