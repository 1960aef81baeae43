package scripting

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lexlapax/engram/pkg/log"
	lua "github.com/yuin/gopher-lua"
)

// registerAPIFunctions registers Go functions that are available to Lua scripts.
func registerAPIFunctions(L *lua.LState) {
	engram := L.NewTable()

	L.SetField(engram, "log", L.NewFunction(apiLog))
	L.SetField(engram, "now", L.NewFunction(apiNow))
	L.SetField(engram, "format_time", L.NewFunction(apiFormatTime))
	L.SetField(engram, "uuid", L.NewFunction(apiUUID))
	L.SetField(engram, "json_encode", L.NewFunction(apiJSONEncode))
	L.SetField(engram, "json_decode", L.NewFunction(apiJSONDecode))

	L.SetGlobal("engram", engram)
}

// apiLog is a function to log messages from Lua
func apiLog(L *lua.LState) int {
	level := L.CheckString(1)
	message := L.CheckString(2)
	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	switch level {
	case "debug":
		log.DebugContext(ctx, "Lua script message", "message", message)
	case "warn", "warning":
		log.WarnContext(ctx, "Lua script message", "message", message)
	case "error":
		log.ErrorContext(ctx, "Lua script message", "message", message)
	default:
		log.InfoContext(ctx, "Lua script message", "message", message)
	}

	return 0
}

// apiNow returns the current time as a Unix timestamp
func apiNow(L *lua.LState) int {
	L.Push(lua.LNumber(time.Now().Unix()))
	return 1
}

// apiFormatTime formats a Unix timestamp as a string
func apiFormatTime(L *lua.LState) int {
	timestamp := L.CheckNumber(1)
	format := L.OptString(2, time.RFC3339)

	t := time.Unix(int64(timestamp), 0).UTC()
	L.Push(lua.LString(t.Format(format)))
	return 1
}

// apiUUID generates a random UUID string
func apiUUID(L *lua.LState) int {
	L.Push(lua.LString(uuid.NewString()))
	return 1
}

// apiJSONEncode encodes a Lua value to a JSON string
func apiJSONEncode(L *lua.LState) int {
	value := convertLuaToGo(L.CheckAny(1))

	data, err := json.Marshal(value)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(data))
	return 1
}

// apiJSONDecode decodes a JSON string to a Lua value
func apiJSONDecode(L *lua.LState) int {
	var value interface{}
	if err := json.Unmarshal([]byte(L.CheckString(1)), &value); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(convertGoToLua(L, value))
	return 1
}
