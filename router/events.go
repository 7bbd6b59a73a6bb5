package router

import (
	"context"
	"net/http"

	"github.com/corekit/corekit/eventbus"
)

// subscribeEventIntegration wires router.route.register,
// router.route.unregister, router.module.unregister, and routes.clear
// as inbound commands any module may emit. These handlers never return
// an error: a payload that is not a map is ignored silently, and a
// command whose fields are invalid fails inside RegisterRoute (or
// RegisterVersionedRoute), whose own error routing reports it.
func (r *Router) subscribeEventIntegration(bus *eventbus.Bus) ([]string, error) {
	var ids []string

	id, err := bus.Subscribe("router.route.register", func(ctx context.Context, e eventbus.Event) error {
		r.handleRegisterEvent(e)
		return nil
	}, eventbus.SubscribeOptions{})
	if err != nil {
		return nil, err
	}
	ids = append(ids, id)

	id, err = bus.Subscribe("router.route.unregister", func(ctx context.Context, e eventbus.Event) error {
		r.handleUnregisterEvent(e)
		return nil
	}, eventbus.SubscribeOptions{})
	if err != nil {
		return ids, err
	}
	ids = append(ids, id)

	id, err = bus.Subscribe("router.module.unregister", func(ctx context.Context, e eventbus.Event) error {
		if data, ok := e.Data.(map[string]any); ok {
			if moduleID, ok := data["moduleId"].(string); ok {
				r.UnregisterModuleRoutes(moduleID)
			}
		}
		return nil
	}, eventbus.SubscribeOptions{})
	if err != nil {
		return ids, err
	}
	ids = append(ids, id)

	id, err = bus.Subscribe("routes.clear", func(ctx context.Context, e eventbus.Event) error {
		r.ClearRoutes()
		return nil
	}, eventbus.SubscribeOptions{})
	if err != nil {
		return ids, err
	}
	ids = append(ids, id)

	return ids, nil
}

func (r *Router) handleRegisterEvent(e eventbus.Event) {
	data, ok := e.Data.(map[string]any)
	if !ok {
		return
	}
	moduleID, _ := data["moduleId"].(string)
	method, _ := data["method"].(string)
	path, _ := data["path"].(string)
	handler, _ := data["handler"].(http.HandlerFunc)
	opts, _ := data["options"].(RouteOptions)

	if version, ok := data["version"].(string); ok && version != "" {
		_ = r.RegisterVersionedRoute(moduleID, version, method, path, handler, opts)
		return
	}
	_ = r.RegisterRoute(moduleID, method, path, handler, opts)
}

func (r *Router) handleUnregisterEvent(e eventbus.Event) {
	data, ok := e.Data.(map[string]any)
	if !ok {
		return
	}
	method, _ := data["method"].(string)
	path, _ := data["path"].(string)
	r.UnregisterRoute(method, path)
}
