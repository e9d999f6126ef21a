package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/elainabot/elaina/pkg/event"
	"github.com/elainabot/elaina/pkg/permission"
	"github.com/elainabot/elaina/pkg/plugin"
)

// ErrUnitClosed is returned when invoking a handler on a shut-down unit.
var ErrUnitClosed = errors.New("plugin unit closed")

// luaUnit wraps one plugin script and its Lua state.
//
// gopher-lua states are not goroutine-safe, so every handler invocation is
// serialized through the unit mutex. A superseded unit is never closed while
// old route-table snapshots may still reference it; its state is simply
// dropped and reclaimed once the last in-flight dispatch releases it.
type luaUnit struct {
	name     string
	source   string
	priority int
	routes   []plugin.RouteSpec

	mu     sync.Mutex
	state  *lua.LState
	closed bool
}

// loadLuaUnit executes a plugin script in a fresh sandboxed state and reads
// its registration table. The script must define a global `plugin` table:
//
//	plugin = {
//	    name = "echo",            -- optional, defaults to the file name
//	    priority = 0,             -- optional, plugin-level priority
//	    handlers = {
//	        {
//	            pattern = "^/echo (.+)",
//	            tier = "normal",              -- normal|admin|owner
//	            priority = 0,                 -- optional per-route override
//	            blacklist_exempt = false,
//	            handler = function(ev, args) return args[1] end,
//	        },
//	    },
//	}
//
// Handlers receive the event as a table and the capture groups as an array;
// they return a reply string, a table {content=..., kind=..., media_url=...},
// or nil for no reply.
func loadLuaUnit(path, defaultName string) (*luaUnit, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)

	u := &luaUnit{name: defaultName, source: path, state: L}

	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("executing %s: %w", path, err)
	}

	decl := L.GetGlobal("plugin")
	tbl, ok := decl.(*lua.LTable)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("%s: missing global `plugin` table", path)
	}

	if name := lua.LVAsString(tbl.RawGetString("name")); name != "" {
		u.name = name
	}
	u.priority = int(lua.LVAsNumber(tbl.RawGetString("priority")))

	handlers, ok := tbl.RawGetString("handlers").(*lua.LTable)
	if !ok || handlers.Len() == 0 {
		L.Close()
		return nil, fmt.Errorf("%s: `plugin.handlers` must be a non-empty table", path)
	}

	for i := 1; i <= handlers.Len(); i++ {
		entry, ok := handlers.RawGetInt(i).(*lua.LTable)
		if !ok {
			L.Close()
			return nil, fmt.Errorf("%s: handlers[%d] is not a table", path, i)
		}
		spec, err := u.routeSpec(entry, i)
		if err != nil {
			L.Close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		u.routes = append(u.routes, spec)
	}

	return u, nil
}

// openSafeLibraries opens only side-effect-free standard libraries. io, os,
// debug and package stay closed so a plugin script cannot reach the host.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (u *luaUnit) routeSpec(entry *lua.LTable, idx int) (plugin.RouteSpec, error) {
	pattern := lua.LVAsString(entry.RawGetString("pattern"))
	if pattern == "" {
		return plugin.RouteSpec{}, fmt.Errorf("handlers[%d]: missing pattern", idx)
	}
	fn, ok := entry.RawGetString("handler").(*lua.LFunction)
	if !ok {
		return plugin.RouteSpec{}, fmt.Errorf("handlers[%d]: missing handler function", idx)
	}

	priority := u.priority
	if p := entry.RawGetString("priority"); p != lua.LNil {
		priority = int(lua.LVAsNumber(p))
	}

	return plugin.RouteSpec{
		Pattern:         pattern,
		Tier:            permission.ParseTier(lua.LVAsString(entry.RawGetString("tier"))),
		Priority:        priority,
		BlacklistExempt: lua.LVAsBool(entry.RawGetString("blacklist_exempt")),
		Handler:         u.handler(fn),
	}, nil
}

// handler adapts one Lua function into a route Handler.
func (u *luaUnit) handler(fn *lua.LFunction) plugin.Handler {
	return func(ctx context.Context, ev event.Event, tier permission.Tier, matches []string) (event.Reply, error) {
		u.mu.Lock()
		defer u.mu.Unlock()
		if u.closed {
			return event.Reply{}, ErrUnitClosed
		}

		L := u.state
		L.SetContext(ctx)
		defer L.RemoveContext()

		evTable := L.NewTable()
		evTable.RawSetString("id", lua.LString(ev.ID))
		evTable.RawSetString("type", lua.LString(ev.Type))
		evTable.RawSetString("transport", lua.LString(string(ev.Transport)))
		evTable.RawSetString("content", lua.LString(ev.Content))
		evTable.RawSetString("user_id", lua.LString(ev.Sender.UserID))
		evTable.RawSetString("group_id", lua.LString(ev.Sender.GroupID))
		evTable.RawSetString("tier", lua.LString(tier.String()))

		argTable := L.NewTable()
		for i, m := range matches {
			if i == 0 {
				continue // matches[0] is the full match; Lua sees captures only
			}
			argTable.Append(lua.LString(m))
		}

		L.Push(fn)
		L.Push(evTable)
		L.Push(argTable)
		if err := L.PCall(2, 1, nil); err != nil {
			return event.Reply{}, fmt.Errorf("plugin %s: %w", u.name, err)
		}

		ret := L.Get(-1)
		L.Pop(1)
		return luaReply(ret), nil
	}
}

// luaReply converts a handler return value into a Reply. nil and the empty
// string both mean "no reply".
func luaReply(v lua.LValue) event.Reply {
	switch val := v.(type) {
	case lua.LString:
		return event.TextReply(string(val))
	case *lua.LTable:
		reply := event.Reply{
			Kind:     event.ReplyKind(lua.LVAsString(val.RawGetString("kind"))),
			Content:  lua.LVAsString(val.RawGetString("content")),
			MediaURL: lua.LVAsString(val.RawGetString("media_url")),
		}
		if reply.Kind == "" {
			reply.Kind = event.ReplyText
		}
		if reply.Empty() {
			return event.Reply{}
		}
		return reply
	default:
		return event.Reply{}
	}
}

// Name implements plugin.Unit.
func (u *luaUnit) Name() string { return u.name }

// Routes implements plugin.Unit.
func (u *luaUnit) Routes() []plugin.RouteSpec { return u.routes }

// close shuts the unit down for process exit. It must not be called while
// route-table snapshots may still dispatch into the unit.
func (u *luaUnit) close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.state.Close()
		u.closed = true
	}
}
