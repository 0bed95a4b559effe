package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ParseProperties converts a "key=value;key2=value2" parameter string into a map.
// Elements that do not split into exactly a key and a value are ignored, with
// trailing empty parts dropped first, so "a=" is ignored and "=b" binds "".
func ParseProperties(params string) map[string]string {
	props := make(map[string]string)
	if params == "" {
		return props
	}
	for _, element := range strings.Split(params, ";") {
		parts := trimTrailingEmpty(strings.Split(element, "="))
		if len(parts) == 2 {
			props[parts[0]] = parts[1]
		}
	}
	return props
}

func trimTrailingEmpty(parts []string) []string {
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// LookupConnectionFactory resolves name and reports whether the bound object is
// XA-capable, plain, or both
func LookupConnectionFactory(ctx context.Context, dir Directory, name string) (cf ConnectionFactory, xa XAConnectionFactory, err error) {
	obj, err := dir.Lookup(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	cf, _ = obj.(ConnectionFactory)
	xa, _ = obj.(XAConnectionFactory)
	if cf == nil && xa == nil {
		return nil, nil, &LookupError{
			Name:      name,
			Want:      "connection factory",
			Got:       fmt.Sprintf("%T", obj),
			Timestamp: time.Now(),
		}
	}
	return cf, xa, nil
}

// LookupDestination resolves name and checks that the bound destination is
// acceptable for kind
func LookupDestination(ctx context.Context, dir Directory, name string, kind DestinationKind) (Destination, error) {
	obj, err := dir.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	dest, ok := obj.(Destination)
	if !ok || !kind.Accepts(dest.Kind()) {
		return nil, &LookupError{
			Name:      name,
			Want:      kind.String() + " destination",
			Got:       fmt.Sprintf("%T", obj),
			Err:       ErrInvalidDestination,
			Timestamp: time.Now(),
		}
	}
	return dest, nil
}
