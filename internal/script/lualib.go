package script

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// LuaVersion is exposed to scripts as LUAFCGID_VERSION.
const LuaVersion = 2

// openLib sets the LUAFCGID globals and the lf helper table. It runs before
// any prelude so preludes can build on it.
func openLib(L *lua.LState) {
	L.SetGlobal("LUAFCGID", lua.LTrue)
	L.SetGlobal("LUAFCGID_VERSION", lua.LNumber(LuaVersion))

	lf := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"serialize": luaSerialize,
		"urlencode": luaURLEncode,
		"urldecode": luaURLDecode,
		"parse":     luaParseQuery,
	})
	L.SetGlobal("lf", lf)
}

func luaURLEncode(L *lua.LState) int {
	L.Push(lua.LString(url.QueryEscape(L.CheckString(1))))
	return 1
}

func luaURLDecode(L *lua.LState) int {
	s, err := url.QueryUnescape(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(s))
	return 1
}

func luaParseQuery(L *lua.LState) int {
	values, err := url.ParseQuery(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(luaQueryTable(L, values))
	return 1
}

// luaSerialize renders a value as a Lua literal that loads back to an equal
// value. Functions, userdata and nil render as the empty string.
func luaSerialize(L *lua.LState) int {
	var sb strings.Builder
	if err := serializeValue(&sb, L.CheckAny(1), map[*lua.LTable]bool{}); err != nil {
		L.RaiseError("%s", err.Error())
	}
	L.Push(lua.LString(sb.String()))
	return 1
}

func serializeValue(sb *strings.Builder, v lua.LValue, seen map[*lua.LTable]bool) error {
	switch v := v.(type) {
	case lua.LBool:
		sb.WriteString(strconv.FormatBool(bool(v)))
	case lua.LNumber:
		sb.WriteString(v.String())
	case lua.LString:
		sb.WriteString(luaQuote(string(v)))
	case *lua.LTable:
		if seen[v] {
			return fmt.Errorf("serialize: cyclic table")
		}
		seen[v] = true
		defer delete(seen, v)

		sb.WriteByte('{')
		for n, k := range sortedKeys(v) {
			if n > 0 {
				sb.WriteByte(',')
			}
			sb.WriteByte('[')
			if k, ok := k.(lua.LString); ok {
				sb.WriteString(luaQuote(string(k)))
			} else {
				sb.WriteString(k.String())
			}
			sb.WriteString("] = ")
			if err := serializeValue(sb, v.RawGet(k), seen); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	}

	return nil
}

// sortedKeys returns the number and string keys of t, numbers first.
func sortedKeys(t *lua.LTable) []lua.LValue {
	var nums, strs []lua.LValue
	t.ForEach(func(k, _ lua.LValue) {
		switch k.(type) {
		case lua.LNumber:
			nums = append(nums, k)
		case lua.LString:
			strs = append(strs, k)
		}
	})
	sort.Slice(nums, func(a, b int) bool { return nums[a].(lua.LNumber) < nums[b].(lua.LNumber) })
	sort.Slice(strs, func(a, b int) bool { return strs[a].(lua.LString) < strs[b].(lua.LString) })

	return append(nums, strs...)
}

// luaQuote quotes s the way string.format("%q") does.
func luaQuote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case c == '\n':
			sb.WriteString("\\\n")
		case c == '\r':
			sb.WriteString("\\r")
		case c < 0x20 || c == 0x7f:
			fmt.Fprintf(&sb, "\\%03d", c)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('"')

	return sb.String()
}
