package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// Decoder turns a validated frame into a Reading. Implementations are
// stateless and must be referentially transparent: the same frame
// always yields the same reading (CapturedAt is stamped by the caller).
type Decoder interface {
	Profile() *Profile
	Decode(frame []byte) (*Reading, error)
}

var decoders = map[string]Decoder{}

// Register adds a device model decoder. Called from model init
// functions; panics on duplicates since that is a programming error.
func Register(d Decoder) {
	model := strings.ToLower(d.Profile().Model)
	if _, dup := decoders[model]; dup {
		panic(fmt.Sprintf("protocol: decoder for model %q registered twice", model))
	}
	decoders[model] = d
}

// Lookup returns the decoder for a model name (case-insensitive).
func Lookup(model string) (Decoder, error) {
	d, ok := decoders[strings.ToLower(model)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedDevice, model, strings.Join(Models(), ", "))
	}
	return d, nil
}

// Models lists registered model names, sorted.
func Models() []string {
	names := make([]string, 0, len(decoders))
	for name := range decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MatchAdvertisement reports which registered model, if any, a BLE
// advertisement belongs to. A device matches when its MAC address
// starts with one of the model's vendor OUIs, or when it advertises
// the model's notify service.
func MatchAdvertisement(address string, services []string) (model string, ok bool) {
	oui := strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(address))
	if len(oui) > 6 {
		oui = oui[:6]
	}

	normalized := make([]string, len(services))
	for i, s := range services {
		normalized[i] = NormalizeUUID(s)
	}

	for name, d := range decoders {
		p := d.Profile()
		for _, prefix := range p.SupportedOUIs {
			if oui == strings.ToUpper(prefix) {
				return name, true
			}
		}
		svc := NormalizeUUID(p.ServiceUUID)
		for _, s := range normalized {
			if s == svc || shortUUID(s) == shortUUID(svc) {
				return name, true
			}
		}
	}
	return "", false
}

// NormalizeUUID converts a UUID string to a canonical comparable form
// (lowercase, no dashes).
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// shortUUID extracts the 16-bit short form from a Bluetooth SIG base
// UUID (0000xxxx-0000-1000-8000-00805f9b34fb), already normalized.
// Other UUIDs are returned unchanged.
func shortUUID(normalized string) string {
	const base = "00001000800000805f9b34fb"
	if len(normalized) == 32 && strings.HasPrefix(normalized, "0000") && strings.HasSuffix(normalized, base) {
		return normalized[4:8]
	}
	return normalized
}
