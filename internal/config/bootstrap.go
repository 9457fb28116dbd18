package config

import (
	"time"

	gateway "github.com/portcullis-gw/portcullis/internal"
)

// defaultRouteTimeout applies when a route entry omits one.
const defaultRouteTimeout = 10 * time.Second

// ServiceRoutes converts the YAML route table into the immutable
// ServiceRoute set the router resolves against. The route table lives only
// in configuration, immutable after load, never in
// the database.
func (c *Config) ServiceRoutes() []gateway.ServiceRoute {
	out := make([]gateway.ServiceRoute, 0, len(c.Routes))
	for _, r := range c.Routes {
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = defaultRouteTimeout
		}
		out = append(out, gateway.ServiceRoute{
			Name:            r.Name,
			UpstreamBaseURL: r.UpstreamBaseURL,
			Timeout:         timeout,
			Public:          r.Public,
			RequiredScopes:  r.RequiredScopes,
		})
	}
	return out
}
