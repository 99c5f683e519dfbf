// Package objstore holds a registry of ObjectStore backends
// and the backends themselves in subpackages.
package objstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/zvc"
)

// Factory creates an ObjectStore from a configuration map.
type Factory func(context.Context, map[string]interface{}) (zvc.ObjectStore, error)

var (
	mu       sync.Mutex
	registry = make(map[string]Factory)
)

// Register makes a backend available to Create under the given type name.
// Backend packages call this from their init functions.
func Register(key string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[key] = f
}

// Create creates an ObjectStore of the registered type key.
func Create(ctx context.Context, key string, conf map[string]interface{}) (zvc.ObjectStore, error) {
	mu.Lock()
	f, ok := registry[key]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// FromConfig creates an ObjectStore from a configuration map
// whose "type" entry names the backend.
func FromConfig(ctx context.Context, conf map[string]interface{}) (zvc.ObjectStore, error) {
	typ, ok := conf["type"].(string)
	if !ok {
		return nil, errors.New(`config missing "type" parameter`)
	}
	s, err := Create(ctx, typ, conf)
	return s, errors.Wrapf(err, "creating %s-type store", typ)
}

// Nested creates the ObjectStore described by conf["nested"].
// Decorating backends use it to build the store they wrap.
func Nested(ctx context.Context, conf map[string]interface{}) (zvc.ObjectStore, error) {
	nested, ok := conf["nested"].(map[string]interface{})
	if !ok {
		return nil, errors.New(`missing "nested" parameter`)
	}
	s, err := FromConfig(ctx, nested)
	return s, errors.Wrap(err, "creating nested store")
}

// Types lists the registered backend types.
func Types() []string {
	mu.Lock()
	defer mu.Unlock()
	result := make([]string, 0, len(registry))
	for k := range registry {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// PrefixEnd returns the smallest key greater than every key beginning with prefix,
// or "" if there is none.
func PrefixEnd(prefix string) string {
	for i := len(prefix) - 1; i >= 0; i-- {
		if c := prefix[i]; c < 0xff {
			return prefix[:i] + string([]byte{c + 1})
		}
	}
	return ""
}

// Int reads an integer parameter from a configuration map,
// which may hold it as a float64 or json.Number after JSON decoding.
func Int(conf map[string]interface{}, key string) (int, bool) {
	switch v := conf[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}
