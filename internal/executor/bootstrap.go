package executor

// pythonBootstrap is handed to `python3 -c` verbatim. Everything it needs
// arrives through argv: the JSON list of source roots, the module and
// function to call, the kwargs file and the result file. Argument values
// shaped like {"__kapten_call__": "module:symbol"} are resolved to the
// callable's return value right before the call.
const pythonBootstrap = `
import importlib
import json
import sys


def _resolve(value):
    if isinstance(value, dict):
        if set(value.keys()) == {"__kapten_call__"}:
            target = value["__kapten_call__"]
            mod, sym = target.split(":", 1)
            return getattr(importlib.import_module(mod), sym)()
        return {k: _resolve(v) for k, v in value.items()}
    if isinstance(value, list):
        return [_resolve(v) for v in value]
    return value


def _main(argv):
    roots, module, func, kwargs_path, result_path = argv[:5]
    for root in reversed(json.loads(roots)):
        sys.path.insert(0, root)
    with open(kwargs_path) as fh:
        kwargs = {k: _resolve(v) for k, v in json.load(fh).items()}
    result = getattr(importlib.import_module(module), func)(**kwargs)
    with open(result_path, "w") as fh:
        json.dump(result, fh)


_main(sys.argv[1:])
`

// callKey is the wire shape the bootstrap looks for when resolving
// callable arguments.
const callKey = "__kapten_call__"
