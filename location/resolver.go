// Package location maps byte ranges of a file to the nodes that hold them.
//
// A node is described by a set of network names and, optionally, an advertised
// service address. When no address is advertised the resolver picks one among
// the node's names using configurable patterns, falling back tier by tier:
// pattern match, then the first IP literal or hostname found, then the IP
// literal used as hostname.
package location

import (
	"chunkfs/datamodel/node"
	"chunkfs/datamodel/recipe"
	"chunkfs/fserr"
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

// Config holds the patterns used to pick node addresses.
type Config struct {
	HostnamePattern string `json:"hostname_pattern"` // Allow-pattern over DNS hostnames
	IPPattern       string `json:"ip_pattern"`       // Allow-pattern over IP literals
	IPAntiPattern   string `json:"ip_antipattern"`   // Deny-pattern over IP literals, empty for none
	ServicePort     int    `json:"service_port"`     // Port appended to port-less service addresses, 0 for none
}

func DefaultConfig() Config {
	return Config{
		HostnamePattern: ".*",
		IPPattern:       ".*",
		IPAntiPattern:   "",
	}
}

// Endpoint is the resolved location of one node.
type Endpoint struct {
	Name string // Service address
	Host string // Display hostname
}

// Location describes the nodes holding one chunk-aligned piece of a byte range.
type Location struct {
	Names    []string // Service addresses, sorted and deduplicated
	Hosts    []string // Display hostnames, sorted and deduplicated
	Topology []string // Network topology path per name
	Offset   int64
	Length   int64
}

func (l Location) String() string {
	return fmt.Sprintf("[%d, %d) names=%v hosts=%v", l.Offset, l.Offset+l.Length, l.Names, l.Hosts)
}

// Resolver resolves node IDs to endpoints and memoizes the result per node.
type Resolver struct {
	topology    node.Topology
	hostRe      *regexp.Regexp
	ipRe        *regexp.Regexp
	ipDenyRe    *regexp.Regexp
	servicePort int

	mu   sync.Mutex
	memo map[string]Endpoint
	sg   singleflight.Group
}

// NewResolver creates a resolver over topology. A nil topology treats every
// node ID as the node's only network name.
func NewResolver(topology node.Topology, cfg Config) (*Resolver, error) {
	hostRe, err := CompilePattern(cfg.HostnamePattern)
	if err != nil {
		return nil, fserr.InvalidArgument.New("hostname pattern %q: %v", cfg.HostnamePattern, err)
	}
	ipRe, err := CompilePattern(cfg.IPPattern)
	if err != nil {
		return nil, fserr.InvalidArgument.New("ip pattern %q: %v", cfg.IPPattern, err)
	}
	ipDenyRe, err := CompilePattern(cfg.IPAntiPattern)
	if err != nil {
		return nil, fserr.InvalidArgument.New("ip antipattern %q: %v", cfg.IPAntiPattern, err)
	}
	if cfg.ServicePort < 0 || cfg.ServicePort > 65535 {
		return nil, fserr.InvalidArgument.New("service port %d", cfg.ServicePort)
	}

	return &Resolver{
		topology:    topology,
		hostRe:      hostRe,
		ipRe:        ipRe,
		ipDenyRe:    ipDenyRe,
		servicePort: cfg.ServicePort,
		memo:        make(map[string]Endpoint),
	}, nil
}

// Endpoint computes the endpoint of a node descriptor without touching the memo.
func (r *Resolver) Endpoint(desc *node.Descriptor) (Endpoint, error) {
	if desc.ServiceAddress != "" {
		return Endpoint{
			Name: desc.ServiceAddress,
			Host: hostPart(desc.ServiceAddress),
		}, nil
	}

	ips, hostnames := Classify(desc.Names)

	name := r.selectServiceAddress(ips)
	host := r.selectDisplayHost(hostnames)
	if host == "" && len(ips) > 0 {
		host = ips[0]
	}
	if name == "" {
		name = host
	}
	if name == "" {
		return Endpoint{}, fserr.NotFound.New("node %s has no network names", desc.ID)
	}

	return Endpoint{
		Name: r.withPort(name),
		Host: hostPart(host),
	}, nil
}

// selectServiceAddress picks the first IP matching the allow-pattern and not
// the deny-pattern, else the first IP.
func (r *Resolver) selectServiceAddress(ips []string) string {
	for _, ip := range ips {
		if MatchesPattern(r.ipRe, ip) && !MatchesPattern(r.ipDenyRe, ip) {
			return ip
		}
	}
	if len(ips) > 0 {
		return ips[0]
	}
	return ""
}

// selectDisplayHost picks the first hostname matching the allow-pattern, else the first hostname.
func (r *Resolver) selectDisplayHost(hostnames []string) string {
	for _, h := range hostnames {
		if MatchesPattern(r.hostRe, h) {
			return h
		}
	}
	if len(hostnames) > 0 {
		return hostnames[0]
	}
	return ""
}

func (r *Resolver) withPort(name string) string {
	if r.servicePort == 0 {
		return name
	}
	if _, _, err := net.SplitHostPort(name); err == nil {
		return name
	}
	return net.JoinHostPort(hostPart(name), strconv.Itoa(r.servicePort))
}

// ResolveNode returns the endpoint of the node with the given ID. Concurrent
// first resolutions of the same node share one topology lookup. Failures are
// not memoized.
func (r *Resolver) ResolveNode(ctx context.Context, id string) (Endpoint, error) {
	r.mu.Lock()
	ep, ok := r.memo[id]
	r.mu.Unlock()
	if ok {
		return ep, nil
	}

	v, err, _ := r.sg.Do(id, func() (any, error) {
		desc, err := r.describe(ctx, id)
		if err != nil {
			return Endpoint{}, err
		}

		ep, err := r.Endpoint(desc)
		if err != nil {
			return Endpoint{}, err
		}

		r.mu.Lock()
		r.memo[id] = ep
		r.mu.Unlock()

		log.Debugf("location.ResolveNode: %s -> name %s, host %s", id, ep.Name, ep.Host)
		return ep, nil
	})
	if err != nil {
		return Endpoint{}, err
	}
	return v.(Endpoint), nil
}

func (r *Resolver) describe(ctx context.Context, id string) (*node.Descriptor, error) {
	if r.topology == nil {
		return &node.Descriptor{ID: id, Names: []string{id}}, nil
	}
	return r.topology.ResolveNode(ctx, id)
}

// Locations returns one Location per chunk overlapping [start, start+length),
// in increasing offset order, clipped to the range and to the file size.
// Nodes that the topology does not know are left out.
func (r *Resolver) Locations(ctx context.Context, rec *recipe.Recipe, start, length int64) ([]Location, error) {
	chunks, err := rec.ChunksInRange(start, length)
	if err != nil {
		return nil, err
	}

	end := min(start+length, rec.Size())
	res := make([]Location, 0, len(chunks))
	for _, c := range chunks {
		names := make(map[string]struct{})
		hosts := make(map[string]struct{})
		for _, id := range rec.HostingNodes(c) {
			ep, err := r.ResolveNode(ctx, id)
			if fserr.NotFound.Has(err) {
				log.Warnf("location.Locations: skipping node %s of %s: %v", id, rec.Path(), err)
				continue
			}
			if err != nil {
				return nil, err
			}
			names[ep.Name] = struct{}{}
			hosts[ep.Host] = struct{}{}
		}

		loc := Location{
			Names:  sortedKeys(names),
			Hosts:  sortedKeys(hosts),
			Offset: max(start, c.Offset),
		}
		loc.Length = min(end, c.Offset+rec.EffectiveLength(c)) - loc.Offset
		for _, name := range loc.Names {
			loc.Topology = append(loc.Topology, "/default-rack/"+name)
		}
		res = append(res, loc)
	}
	return res, nil
}

func sortedKeys(m map[string]struct{}) []string {
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}
