package scripting

import (
	"fmt"
	"reflect"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// convertGoToLua maps Go values onto Lua values. Maps and slices become
// tables; unsupported types are passed as their string form.
func convertGoToLua(L *lua.LState, value interface{}) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case time.Time:
		return lua.LNumber(v.Unix())
	case time.Duration:
		return lua.LNumber(v.Seconds())
	case []string:
		t := L.NewTable()
		for _, s := range v {
			t.Append(lua.LString(s))
		}
		return t
	case map[string]interface{}:
		t := L.NewTable()
		for k, item := range v {
			t.RawSetString(k, convertGoToLua(L, item))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for _, item := range v {
			t.Append(convertGoToLua(L, item))
		}
		return t
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		t := L.NewTable()
		for i := 0; i < rv.Len(); i++ {
			t.Append(convertGoToLua(L, rv.Index(i).Interface()))
		}
		return t
	case reflect.Map:
		t := L.NewTable()
		iter := rv.MapRange()
		for iter.Next() {
			t.RawSetString(fmt.Sprint(iter.Key().Interface()), convertGoToLua(L, iter.Value().Interface()))
		}
		return t
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return lua.LNumber(rv.Convert(reflect.TypeOf(float64(0))).Float())
	}
	return lua.LString(fmt.Sprint(value))
}

// convertLuaToGo maps Lua values onto Go values. Tables whose keys are
// exactly 1..n become slices, other tables become maps.
func convertLuaToGo(value lua.LValue) interface{} {
	switch v := value.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return float64(v)
	case *lua.LTable:
		if n := v.MaxN(); n > 0 && countKeys(v) == n {
			out := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, convertLuaToGo(v.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]interface{})
		v.ForEach(func(key, val lua.LValue) {
			out[key.String()] = convertLuaToGo(val)
		})
		return out
	default:
		return v.String()
	}
}

func countKeys(t *lua.LTable) int {
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}
