package scripting

import (
	"fmt"

	"github.com/lexlapax/engram/pkg/log"
	lua "github.com/yuin/gopher-lua"
)

// setupSandbox opens only the safe standard libraries and removes the base
// functions that reach the filesystem or compile arbitrary chunks.
func setupSandbox(L *lua.LState) {
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("package", lua.LNil)
	L.SetGlobal("debug", lua.LNil)

	L.SetGlobal("print", L.NewFunction(safePrint))
}

// safePrint redirects Lua's print to our logger
func safePrint(L *lua.LState) int {
	top := L.GetTop()
	args := make([]interface{}, top)

	for i := 1; i <= top; i++ {
		args[i-1] = convertLuaToGo(L.Get(i))
	}

	log.Info("Lua print", "args", fmt.Sprint(args...))
	return 0
}
