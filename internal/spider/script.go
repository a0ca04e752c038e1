package spider

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"crawlpipe/internal/model"
)

// LoadScripted compiles a project's user-authored Lua source into a
// Spider. The script must define a global `spider` table with
// `start_requests()`, a `callbacks` table of named handler functions,
// and may optionally define `validate` and `custom_setting`. Other
// hooks in the table, such as `download_midware` or `failed_request`,
// are not read.
//
// Scripts run in a gopher-lua state with its standard libraries opened
// (io and os included). The host adds one helper, the request
// constructor `crawlpipe.new_request`; no json library is installed.
func LoadScripted(name, source string) (*Spider, error) {
	L := lua.NewState()

	registerHostAPI(L)

	if err := L.DoString(source); err != nil {
		L.Close()
		return nil, fmt.Errorf("spider: compile %s: %w", name, err)
	}

	spiderTable, ok := L.GetGlobal("spider").(*lua.LTable)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("spider: %s does not define a global `spider` table", name)
	}

	sp := &Spider{
		Name:      name,
		Callbacks: make(map[string]Callback),
	}

	startFn, ok := spiderTable.RawGetString("start_requests").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("spider: %s must define spider.start_requests", name)
	}
	sp.StartRequests = func() RequestIterator {
		return &luaStartIterator{L: L, fn: startFn}
	}

	callbacksTable, ok := spiderTable.RawGetString("callbacks").(*lua.LTable)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("spider: %s must define spider.callbacks", name)
	}
	callbacksTable.ForEach(func(key, value lua.LValue) {
		fnName, okName := key.(lua.LString)
		fn, okFn := value.(*lua.LFunction)
		if okName && okFn {
			sp.Callbacks[string(fnName)] = makeLuaCallback(L, fn)
		}
	})

	if validateFn, ok := spiderTable.RawGetString("validate").(*lua.LFunction); ok {
		sp.Validate = makeLuaValidate(L, validateFn)
	}

	if customFn, ok := spiderTable.RawGetString("custom_setting").(*lua.LFunction); ok {
		if err := L.CallByParam(lua.P{Fn: customFn, NRet: 1, Protect: true}); err == nil {
			ret := L.Get(-1)
			L.Pop(1)
			if tbl, ok := ret.(*lua.LTable); ok {
				var cs CustomSettings
				if raw := luaTableToJSON(tbl); raw != "" {
					json.Unmarshal([]byte(raw), &cs)
				}
				sp.ApplyCustomSettings(cs)
			}
		}
	}

	sp.Close = func() { L.Close() }

	return sp, nil
}

// registerHostAPI installs the global `crawlpipe` table, which holds a
// single request constructor, `new_request`.
func registerHostAPI(L *lua.LState) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"new_request": luaNewRequest,
	})
	L.SetGlobal("crawlpipe", mod)
}

func luaNewRequest(L *lua.LState) int {
	url := L.CheckString(1)
	callback := L.CheckString(2)
	req := model.NewRequest(url, callback)
	L.Push(requestToLua(L, req))
	return 1
}

func requestToLua(L *lua.LState, req *model.Request) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("url", lua.LString(req.URL))
	t.RawSetString("method", lua.LString(req.Method))
	t.RawSetString("callback", lua.LString(req.Callback))
	t.RawSetString("priority", lua.LNumber(req.Priority))
	t.RawSetString("dont_filter", lua.LBool(req.DontFilter))
	return t
}

func requestFromLua(t *lua.LTable) *model.Request {
	req := model.NewRequest(t.RawGetString("url").String(), t.RawGetString("callback").String())
	if m, ok := t.RawGetString("method").(lua.LString); ok && m != "" {
		req.Method = model.Method(m)
	}
	if p, ok := t.RawGetString("priority").(lua.LNumber); ok {
		req.Priority = int(p)
	}
	if df, ok := t.RawGetString("dont_filter").(lua.LBool); ok {
		req.DontFilter = bool(df)
	}
	return req
}

func responseToLua(L *lua.LState, resp *model.Response) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("url", lua.LString(resp.URL))
	t.RawSetString("body", lua.LString(resp.Text()))
	t.RawSetString("status", lua.LNumber(resp.Status))
	return t
}

// luaStartIterator calls start_requests() once and treats its return
// value as a Lua table (array) of request tables, walked one at a time
// so the consumer's lazy-seeding rule still pulls one request per call.
type luaStartIterator struct {
	L       *lua.LState
	fn      *lua.LFunction
	results *lua.LTable
	idx     int
	called  bool
}

func (it *luaStartIterator) Next() (*model.Request, bool) {
	if !it.called {
		it.called = true
		if err := it.L.CallByParam(lua.P{Fn: it.fn, NRet: 1, Protect: true}); err != nil {
			return nil, false
		}
		ret := it.L.Get(-1)
		it.L.Pop(1)
		tbl, ok := ret.(*lua.LTable)
		if !ok {
			return nil, false
		}
		it.results = tbl
		it.idx = 1
	}

	if it.results == nil {
		return nil, false
	}

	val := it.results.RawGetInt(it.idx)
	if val == lua.LNil {
		return nil, false
	}
	it.idx++

	reqTable, ok := val.(*lua.LTable)
	if !ok {
		return nil, false
	}
	return requestFromLua(reqTable), true
}

func makeLuaCallback(L *lua.LState, fn *lua.LFunction) Callback {
	return func(req *model.Request, resp *model.Response) ([]model.YieldResult, error) {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true},
			requestToLua(L, req), responseToLua(L, resp)); err != nil {
			return nil, fmt.Errorf("spider: callback %s: %w", req.Callback, err)
		}
		ret := L.Get(-1)
		L.Pop(1)

		tbl, ok := ret.(*lua.LTable)
		if !ok {
			return nil, nil
		}

		var results []model.YieldResult
		tbl.ForEach(func(_, v lua.LValue) {
			entry, ok := v.(*lua.LTable)
			if !ok {
				return
			}
			if entry.RawGetString("url") != lua.LNil {
				results = append(results, model.YieldResult{Request: requestFromLua(entry)})
				return
			}
			if typ := entry.RawGetString("type"); typ != lua.LNil {
				item := &model.Item{
					Type:      model.ItemType(typ.String()),
					SourceID:  entry.RawGetString("source_id").String(),
					SourceURL: entry.RawGetString("source_url").String(),
					Title:     entry.RawGetString("title").String(),
					Content:   entry.RawGetString("content").String(),
				}
				results = append(results, model.YieldResult{Item: item})
			}
		})
		return results, nil
	}
}

func makeLuaValidate(L *lua.LState, fn *lua.LFunction) func(*model.Request, *model.Response) bool {
	return func(req *model.Request, resp *model.Response) bool {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true},
			requestToLua(L, req), responseToLua(L, resp)); err != nil {
			return false
		}
		ret := L.Get(-1)
		L.Pop(1)
		b, ok := ret.(lua.LBool)
		return !ok || bool(b)
	}
}

// luaTableToJSON is a small best-effort flattener for simple
// string/number-keyed tables returned by custom_setting(), enough to
// recover CONCURRENT_REQUESTS/DOWNLOAD_TIMEOUT_SECONDS/DOWNLOAD_DELAY_MS.
func luaTableToJSON(t *lua.LTable) string {
	out := make(map[string]interface{})
	t.ForEach(func(k, v lua.LValue) {
		switch val := v.(type) {
		case lua.LNumber:
			out[k.String()] = float64(val)
		case lua.LString:
			out[k.String()] = string(val)
		case lua.LBool:
			out[k.String()] = bool(val)
		}
	})
	data, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	return string(data)
}
