package params

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
)

// DefaultScriptTimeout bounds how long a configuration script may run
const DefaultScriptTimeout = 5 * time.Second

// LoadFile reads a configuration from a .json or .js file
func LoadFile(path string) (*ParameterSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sdkerrors.NewError(sdkerrors.Configuration, fmt.Sprintf("cannot read configuration file %s", path), err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return New(data)
	case ".js":
		return EvaluateScript(path, string(data), DefaultScriptTimeout)
	default:
		return nil, sdkerrors.Newf(sdkerrors.Configuration,
			"unsupported configuration file %s: expected .json or .js", path)
	}
}

// EvaluateScript runs a configuration script in a sandboxed runtime. The
// configuration is the global `process` object if the script defines one,
// otherwise the script's completion value.
func EvaluateScript(name, src string, timeout time.Duration) (*ParameterSet, error) {
	vm := goja.New()
	if err := sandbox(vm); err != nil {
		return nil, sdkerrors.NewError(sdkerrors.Configuration, "cannot prepare configuration runtime", err)
	}

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			vm.Interrupt(fmt.Sprintf("configuration script exceeded %s", timeout))
		})
		defer timer.Stop()
	}

	completion, err := vm.RunScript(name, src)
	if err != nil {
		return nil, sdkerrors.NewError(sdkerrors.Configuration, fmt.Sprintf("configuration script %s failed", name), err)
	}

	value := vm.Get("process")
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		value = completion
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, sdkerrors.Newf(sdkerrors.Configuration,
			"configuration script %s defines no `process` object and returns nothing", name)
	}

	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return nil, sdkerrors.Newf(sdkerrors.Configuration, "JSON.stringify is unavailable")
	}
	out, err := stringify(goja.Undefined(), value)
	if err != nil {
		return nil, sdkerrors.NewError(sdkerrors.Configuration, "cannot serialise configuration", err)
	}
	return New([]byte(out.String()))
}

// sandbox removes host-like globals and freezes builtins so configuration
// scripts cannot reach outside the runtime.
func sandbox(vm *goja.Runtime) error {
	for _, name := range []string{"require", "module", "exports", "global", "Buffer", "setImmediate", "clearImmediate"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	if err := vm.Set("eval", func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("eval is not allowed in configuration scripts"))
	}); err != nil {
		return fmt.Errorf("failed to restrict eval: %w", err)
	}

	_, err := vm.RunString(`
		(function() {
			["Object", "Array", "Function", "String", "Number", "Boolean", "Date", "RegExp", "Error", "Math", "JSON"].forEach(function(name) {
				var obj = this[name];
				if (obj) {
					Object.freeze(obj);
					if (obj.prototype) {
						Object.freeze(obj.prototype);
					}
				}
			}, this);
		})();
	`)
	if err != nil {
		return fmt.Errorf("failed to freeze built-ins: %w", err)
	}
	return nil
}
