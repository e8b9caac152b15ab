// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package pmu // import "github.com/miniperf/miniperf/pmu"

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Platform quirks are data, not code: vendor event tables, alias rules
// and sampling restrictions all come from the declarative JSON catalog
// under events/. The catalog is append-only and keyed by family id.

//go:embed events/*.json
var builtinCatalog embed.FS

// EnvCPUFamily overrides host CPU detection, mainly for tests and for
// machines the detection tables do not know yet.
const EnvCPUFamily = "MINIPERF_CPU_FAMILY"

// EventDesc is one vendor event in a platform profile.
type EventDesc struct {
	Name string `json:"name"`
	Desc string `json:"desc"`
	Code uint64 `json:"-"`
}

type eventDescJSON struct {
	Name string `json:"name"`
	Desc string `json:"desc"`
	Code string `json:"code"`
}

// Alias redirects a canonical counter name (Target) to a vendor event
// name (Origin) on platforms where no canonical event exists.
type Alias struct {
	Target string `json:"target"`
	Origin string `json:"origin"`
}

// Platform is one immutable platform profile from the catalog.
type Platform struct {
	FamilyID    string
	Name        string
	Vendor      string
	Arch        string
	LeaderEvent string

	// noOverflowIRQ lists canonical counter names that must not be
	// used as sampling leaders because the PMU raises no overflow
	// interrupt for them.
	noOverflowIRQ map[string]bool

	Events  map[string]EventDesc
	Aliases map[string]string
}

type platformJSON struct {
	FamilyID               string          `json:"family_id"`
	Name                   string          `json:"name"`
	Vendor                 string          `json:"vendor"`
	Arch                   string          `json:"arch"`
	LeaderEvent            string          `json:"leader_event"`
	NoOverflowInterruptFor []string        `json:"no_overflow_interrupt_for"`
	Aliases                []Alias         `json:"aliases"`
	Events                 []eventDescJSON `json:"events"`
}

func parseHexCode(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, fmt.Errorf("event code %q does not start with 0x", s)
	}
	return strconv.ParseUint(s[2:], 16, 64)
}

func parsePlatform(data []byte) (*Platform, error) {
	var pj platformJSON
	// Unknown fields are deliberately ignored: the catalog format is
	// append-only and newer catalogs must load on older binaries.
	if err := json.Unmarshal(data, &pj); err != nil {
		return nil, err
	}
	if pj.FamilyID == "" {
		return nil, fmt.Errorf("platform profile without family_id")
	}

	p := &Platform{
		FamilyID:      pj.FamilyID,
		Name:          pj.Name,
		Vendor:        pj.Vendor,
		Arch:          pj.Arch,
		LeaderEvent:   pj.LeaderEvent,
		noOverflowIRQ: make(map[string]bool, len(pj.NoOverflowInterruptFor)),
		Events:        make(map[string]EventDesc, len(pj.Events)),
		Aliases:       make(map[string]string, len(pj.Aliases)),
	}
	for _, name := range pj.NoOverflowInterruptFor {
		p.noOverflowIRQ[name] = true
	}
	for _, evt := range pj.Events {
		code, err := parseHexCode(evt.Code)
		if err != nil {
			return nil, fmt.Errorf("platform %s event %s: %w", pj.FamilyID, evt.Name, err)
		}
		p.Events[evt.Name] = EventDesc{Name: evt.Name, Desc: evt.Desc, Code: code}
	}
	for _, alias := range pj.Aliases {
		p.Aliases[alias.Target] = alias.Origin
	}
	return p, nil
}

var (
	catalogOnce sync.Once
	catalog     map[string]*Platform
)

func loadCatalog() {
	catalog = make(map[string]*Platform)
	loadCatalogFS(builtinCatalog, "events")

	// An optional directory of extra profiles supplements the builtin
	// catalog, e.g. for unreleased silicon.
	if dir := os.Getenv("MINIPERF_PLATFORM_DIR"); dir != "" {
		loadCatalogFS(os.DirFS(dir), ".")
	}
}

func loadCatalogFS(fsys fs.FS, root string) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		log.Warnf("Failed to read platform catalog %s: %v", root, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.Join(root, entry.Name()))
		if err != nil {
			log.Warnf("Failed to read platform profile %s: %v", entry.Name(), err)
			continue
		}
		p, err := parsePlatform(data)
		if err != nil {
			log.Warnf("Failed to parse platform profile %s: %v", entry.Name(), err)
			continue
		}
		catalog[p.FamilyID] = p
	}
}

// FindPlatform returns the profile for the given family id, or nil if
// the catalog does not know it.
func FindPlatform(familyID string) *Platform {
	catalogOnce.Do(loadCatalog)
	return catalog[familyID]
}

// HostPlatform detects the host CPU and returns its profile.
func HostPlatform() (*Platform, error) {
	family := os.Getenv(EnvCPUFamily)
	if family == "" {
		family = hostCPUFamily()
	}
	p := FindPlatform(family)
	if p == nil {
		return nil, fmt.Errorf("no platform profile for CPU family %q", family)
	}
	return p, nil
}

// Resolve maps a counter request onto this platform: canonical
// counters with a direct kernel definition pass through, aliased
// canonical names and Custom counters resolve to Raw vendor events.
// Resolution is idempotent: resolving an already-resolved counter
// returns it unchanged.
func (p *Platform) Resolve(c Counter) (Counter, error) {
	switch c.Kind {
	case KindRaw:
		return c, nil
	case KindCustom:
		evt, ok := p.Events[c.name]
		if !ok {
			return Counter{}, fmt.Errorf("%w: %q on %s", ErrUnsupportedCounter, c.name, p.FamilyID)
		}
		return RawCounter(evt.Name, evt.Desc, evt.Code), nil
	default:
		// A canonical counter stays canonical unless the platform
		// publishes an alias redirecting it to a vendor event.
		origin, ok := p.Aliases[c.Name()]
		if !ok {
			return c, nil
		}
		evt, ok := p.Events[origin]
		if !ok {
			return Counter{}, fmt.Errorf("%w: alias %s -> %s names an unknown event on %s",
				ErrUnsupportedCounter, c.Name(), origin, p.FamilyID)
		}
		return RawCounter(evt.Name, evt.Desc, evt.Code), nil
	}
}

// ForbidsSampling reports whether the platform cannot sample on the
// given counter because its PMU raises no overflow interrupt for it.
func (p *Platform) ForbidsSampling(c Counter) bool {
	return p.noOverflowIRQ[c.Name()]
}

// SamplingLeader picks the event that leads sampling groups on this
// platform: the profile's leader_event override if present, otherwise
// cycles — unless cycles cannot raise overflow interrupts, in which
// case no legal leader exists without an override.
func (p *Platform) SamplingLeader() (Counter, error) {
	if p.LeaderEvent != "" {
		evt, ok := p.Events[p.LeaderEvent]
		if !ok {
			return Counter{}, fmt.Errorf("%w: leader_event %q not in event table of %s",
				ErrUnsupportedCounter, p.LeaderEvent, p.FamilyID)
		}
		return RawCounter(evt.Name, evt.Desc, evt.Code), nil
	}
	if p.ForbidsSampling(Cycles) {
		return Counter{}, fmt.Errorf("%w: %s cannot sample on cycles and has no leader_event",
			ErrUnsupportedCounter, p.FamilyID)
	}
	return Cycles, nil
}
