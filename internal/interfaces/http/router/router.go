// Package router assembles the gin engine and mounts the API handlers.
package router

import (
	"github.com/gin-gonic/gin"
)

// RouteRegistrar is implemented by handlers that own a set of API routes
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router mounts registrars under /api/{version}. Unversioned probes such as
// /health are mounted at the root.
type Router struct {
	engine     *gin.Engine
	version    string
	probes     map[string]gin.HandlerFunc
	registrars []RouteRegistrar
	middleware []gin.HandlerFunc
}

// Option configures a Router
type Option func(*Router)

// WithAPIVersion sets the version segment of the API prefix. Defaults to "v1".
func WithAPIVersion(version string) Option {
	return func(r *Router) { r.version = version }
}

// WithProbe mounts a GET handler at an unversioned root path, e.g. "/health".
func WithProbe(path string, h gin.HandlerFunc) Option {
	return func(r *Router) { r.probes[path] = h }
}

// NewRouter creates a Router for engine
func NewRouter(engine *gin.Engine, opts ...Option) *Router {
	r := &Router{engine: engine, version: "v1", probes: map[string]gin.HandlerFunc{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Use adds middleware that only wraps the versioned API routes
func (r *Router) Use(mw ...gin.HandlerFunc) *Router {
	r.middleware = append(r.middleware, mw...)
	return r
}

// Register queues a registrar for Setup
func (r *Router) Register(registrars ...RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrars...)
	return r
}

// Setup mounts the probes and every registered route group on the engine.
func (r *Router) Setup() {
	for path, h := range r.probes {
		r.engine.GET(path, h)
	}

	api := r.engine.Group(r.APIPrefix(), r.middleware...)
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
}

// APIPrefix returns the path prefix of the versioned routes
func (r *Router) APIPrefix() string {
	return "/api/" + r.version
}
