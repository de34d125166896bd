package resolver

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
)

// Serializer names.
const (
	SerializerJSON = "json"
	SerializerCBOR = "cbor"
)

type jsonSerializer struct{}

func (jsonSerializer) Name() string                       { return SerializerJSON }
func (jsonSerializer) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonSerializer) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborSerializer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORSerializer() (*cborSerializer, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	// Generic payloads decode to the same shapes encoding/json produces.
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		return nil, err
	}
	return &cborSerializer{enc: enc, dec: dec}, nil
}

func (s *cborSerializer) Name() string                       { return SerializerCBOR }
func (s *cborSerializer) Marshal(v any) ([]byte, error)      { return s.enc.Marshal(v) }
func (s *cborSerializer) Unmarshal(data []byte, v any) error { return s.dec.Unmarshal(data, v) }

var (
	serializersMu sync.RWMutex
	serializers   = map[string]dmtp.Serializer{
		SerializerJSON: jsonSerializer{},
	}
)

func init() {
	s, err := newCBORSerializer()
	if err != nil {
		panic(fmt.Sprintf("resolver: cbor modes: %v", err))
	}
	serializers[SerializerCBOR] = s
}

// RegisterSerializer makes s available by its name.
func RegisterSerializer(s dmtp.Serializer) {
	serializersMu.Lock()
	defer serializersMu.Unlock()
	serializers[s.Name()] = s
}

func SerializerByName(name string) (dmtp.Serializer, error) {
	serializersMu.RLock()
	defer serializersMu.RUnlock()
	s, ok := serializers[name]
	if !ok {
		return nil, fmt.Errorf("resolver: unknown serializer '%s'", name)
	}
	return s, nil
}

// Serializers lists the registered serializer names.
func Serializers() []string {
	serializersMu.RLock()
	defer serializersMu.RUnlock()
	names := make([]string, 0, len(serializers))
	for name := range serializers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
