package syncdata

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Result is the merged outcome of a sync session: the msgpack encoded value
// submitted by each host, keyed by host id.
type Result map[string]msgpack.RawMessage

// Hosts returns the host ids present in the result, sorted.
func (r Result) Hosts() []string {
	hosts := make([]string, 0, len(r))
	for h := range r {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Decode unmarshals the value submitted by host into v.
func (r Result) Decode(host string, v interface{}) error {
	raw, ok := r[host]
	if !ok {
		return fmt.Errorf("no data from host %s", host)
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode data from host %s: %w", host, err)
	}
	return nil
}

// Values decodes every entry into a generic value, suitable for printing.
func (r Result) Values() (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(r))
	for h := range r {
		var v interface{}
		if err := r.Decode(h, &v); err != nil {
			return nil, err
		}
		out[h] = v
	}
	return out, nil
}

func encode(data interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed while serializing payload: %w", err)
	}
	return b, nil
}
