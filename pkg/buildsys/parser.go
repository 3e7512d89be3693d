package buildsys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

type parserCtx struct {
	ctx          context.Context
	build        *BuildContext
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	projectRoot  string
	tasks        []*Task
	initPhase    bool
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case StarlarkPath:
			result = append(result, string(value))
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

// taskRefs converts a list of task names and task values into names
func taskRefs(input *starlark.List, field string) ([]string, error) {
	if input == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		name, err := taskRef(item, field)
		if err != nil {
			return nil, err
		}
		result = append(result, name)
	}
	return result, nil
}

func taskRef(value starlark.Value, field string) (string, error) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), nil
	case *Task:
		if value.Hidden {
			return "", eris.Errorf("%s: hidden task %s can't be referenced by name", field, value.Name)
		}
		return value.Name, nil
	default:
		return "", eris.Errorf("expected all items in %s to be tasks or task names but found %s", field, value.Type())
	}
}

func configurationRef(value starlark.Value) (string, error) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), nil
	case *Configuration:
		return value.Name, nil
	default:
		return "", eris.Errorf("expected a configuration or configuration name but found %s", value.Type())
	}
}

func processCmdParts(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		value, ok := part.(starlark.String)
		if !ok || !strings.Contains(value.GoString(), "=") {
			break
		}
		envVars = append(envVars, value.GoString())
	}

	var cmd *syntax.CallExpr
	if len(envVars) > 0 {
		joinedEnvVars := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joinedEnvVars), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joinedEnvVars)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}

		var ok bool
		cmd, ok = result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || cmd.Assigns == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}
	} else {
		cmd = new(syntax.CallExpr)
	}

	argCount := len(parts) - len(envVars)
	cmd.Args = make([]*syntax.Word, argCount)
	for a, arg := range parts[len(envVars):] {
		var encodedValue string

		switch value := arg.(type) {
		case starlark.String:
			encodedValue = value.GoString()
		case StarlarkPath:
			encodedValue = string(value)

			if filepath.IsAbs(encodedValue) {
				// absolute paths cause issues on Windows
				relValue, err := filepath.Rel(base, encodedValue)
				if err == nil {
					encodedValue = relValue
				}
			}

			encodedValue = filepath.ToSlash(encodedValue)
		default:
			return nil, eris.Errorf("found argument of type %s but only strings and paths are supported: %s", arg.Type(), arg.String())
		}

		var wordPart syntax.WordPart
		if strings.ContainsAny(encodedValue, " $'") {
			node := new(syntax.SglQuoted)
			node.Value = encodedValue
			wordPart = node
		} else {
			node := new(syntax.Lit)
			node.Value = encodedValue
			wordPart = node
		}

		cmd.Args[a] = new(syntax.Word)
		cmd.Args[a].Parts = []syntax.WordPart{wordPart}
	}

	return cmd, nil
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	filepath := simplifyPath(ctx, ctx.filepath)

	log(ctx.ctx).Info().
		Msgf("%s:%d:%d: %s", filepath, pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	filepath := simplifyPath(ctx, ctx.filepath)

	log(ctx.ctx).Warn().
		Msgf("%s:%d:%d: %s", filepath, pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

// registerTask adds a script task to the build graph
func registerTask(thread *starlark.Thread, task *Task) error {
	ctx := getCtx(thread)
	if ctx.initPhase {
		return eris.New("tasks can only be declared inside configure()")
	}

	if task.Name == "configure" {
		return eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	_, err := ctx.build.Graph.Add(task)
	if err != nil {
		return err
	}

	ctx.tasks = append(ctx.tasks, task)
	return nil
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var mustRunAfter *starlark.List
	var runsAfter *starlark.List
	var finalizedBy *starlark.List
	var skipIfExists *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List

	task := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name?", &task.Name, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "must_run_after?", &mustRunAfter, "runs_after?", &runsAfter,
		"finalized_by?", &finalizedBy, "base?", &task.Base, "skip_if_exists?", &skipIfExists, "inputs?",
		&inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds)
	if err != nil {
		return nil, err
	}

	if task.Name == "" {
		task.Hidden = true
		task.Name = "auto#" + nanoid.New()
	}

	task.Env = map[string]string{}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = normalizePath(getCtx(thread), task.Base)

	if task.dependsOn, err = taskRefs(deps, "deps"); err != nil {
		return nil, err
	}

	if task.mustRunAfter, err = taskRefs(mustRunAfter, "must_run_after"); err != nil {
		return nil, err
	}

	if task.runsAfter, err = taskRefs(runsAfter, "runs_after"); err != nil {
		return nil, err
	}

	if task.finalizedBy, err = taskRefs(finalizedBy, "finalized_by"); err != nil {
		return nil, err
	}

	if task.SkipIfExists, err = starlarkIterable2stringSlice(skipIfExists, "skip_if_exists"); err != nil {
		return nil, err
	}

	if task.Inputs, err = starlarkIterable2stringSlice(inputs, "inputs"); err != nil {
		return nil, err
	}

	if task.Outputs, err = starlarkIterable2stringSlice(outputs, "outputs"); err != nil {
		return nil, err
	}

	if env != nil {
		for _, rawKey := range env.Keys() {
			key, ok := rawKey.(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in env map but only strings are supported", rawKey.Type())
			}

			rawValue, _, err := env.Get(rawKey)
			if err != nil {
				return nil, err
			}

			value, ok := rawValue.(starlark.String)
			if !ok {
				return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", rawValue.Type(), key.GoString())
			}
			task.Env[key.GoString()] = value.GoString()
		}
	}

	if err = parseTaskCmds(fn, task, cmds); err != nil {
		return nil, err
	}

	if inputs != nil && inputs.Len() > 0 && (outputs == nil || outputs.Len() == 0) {
		warn(thread, "%s: found inputs but no outputs", fn.Name())
	}

	if !task.Hidden {
		if err = registerTask(thread, task); err != nil {
			return nil, err
		}
	}
	return task, nil
}

func parseTaskCmds(fn *starlark.Builtin, task *Task, cmds *starlark.List) error {
	task.Cmds = make([]TaskCmd, 0)
	if cmds == nil {
		return nil
	}

	strBuffer := strings.Builder{}
	printer := syntax.NewPrinter(syntax.Minify(true))
	parser := syntax.NewParser()

	printCmd := func(parts starlark.Tuple, idx int) error {
		cmd, err := processCmdParts(parts, parser, task.Base)
		if err != nil {
			return eris.Wrapf(err, "failed to process command #%d", idx)
		}

		strBuffer.Reset()
		err = printer.Print(&strBuffer, cmd)
		if err != nil {
			return eris.Wrapf(err, "failed to process command #%d", idx)
		}

		task.Cmds = append(task.Cmds, TaskCmdScript{TaskName: task.Name, Content: strBuffer.String(), Index: idx})
		return nil
	}

	iter := cmds.Iterate()
	defer iter.Done()

	var item starlark.Value
	idx := 0
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			task.Cmds = append(task.Cmds, TaskCmdScript{TaskName: task.Name, Content: value.GoString(), Index: idx})
		case starlark.Tuple:
			if err := printCmd(value, idx); err != nil {
				return err
			}
		case *starlark.List:
			parts := make(starlark.Tuple, value.Len())
			for subIdx := 0; subIdx < value.Len(); subIdx++ {
				parts[subIdx] = value.Index(subIdx)
			}

			if err := printCmd(parts, idx); err != nil {
				return err
			}
		case *Task:
			task.Cmds = append(task.Cmds, TaskCmdTaskRef{Task: value})
		default:
			return eris.Errorf("%s: unexpected type %s. Only strings, tuples, lists and tasks are valid", fn.Name(), item.Type())
		}

		idx++
	}

	return nil
}

// RunScript executes a Starlark build script and returns the declared options. If doConfigure is true, the
// script's configure function is called which registers tasks and configurations on build.
func RunScript(ctx context.Context, build *BuildContext, filename string, options map[string]string, doConfigure bool) (map[string]ScriptOption, error) {
	filename, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}

	builtins := starlark.StringDict{
		"OS":                  starlark.String(runtime.GOOS),
		"ARCH":                starlark.String(runtime.GOARCH),
		"PROJECT_ROOT":        StarlarkPath(build.ProjectRoot),
		"BUILD_DIR":           StarlarkPath(build.BuildDir),
		"info":                starlark.NewBuiltin("info", starInfo),
		"warn":                starlark.NewBuiltin("warn", starWarn),
		"error":               starlark.NewBuiltin("error", starError),
		"resolve_path":        starlark.NewBuiltin("resolve_path", resolvePath),
		"option":              starlark.NewBuiltin("option", option),
		"getenv":              starlark.NewBuiltin("getenv", getenv),
		"setenv":              starlark.NewBuiltin("setenv", setenv),
		"prepend_path":        starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":           starlark.NewBuiltin("read_yaml", readYaml),
		"load_props":          starlark.NewBuiltin("load_props", loadProps),
		"prop":                starlark.NewBuiltin("prop", prop),
		"isdir":               starlark.NewBuiltin("isdir", starIsdir),
		"isfile":              starlark.NewBuiltin("isfile", starIsfile),
		"execute":             starlark.NewBuiltin("execute", starExec),
		"task":                starlark.NewBuiltin("task", task),
		"order":               starlark.NewBuiltin("order", order),
		"configuration":       starlark.NewBuiltin("configuration", configuration),
		"dependency":          starlark.NewBuiltin("dependency", dependency),
		"extends":             starlark.NewBuiltin("extends", extends),
		"write_classpath":     starlark.NewBuiltin("write_classpath", writeClasspath),
		"process_resources":   starlark.NewBuiltin("process_resources", processResources),
		"classpath_task_name": starlark.NewBuiltin("classpath_task_name", classpathTaskName),
		"upper_first":         starlark.NewBuiltin("upper_first", starUpperFirst),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		build:        build,
		filepath:     filename,
		projectRoot:  build.ProjectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		tasks:        make([]*Task, 0),
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read file")
	}

	globals, err := starlark.ExecFile(thread, simplifyPath(&threadCtx, filename), script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, eris.Errorf("failed to execute %s:\n%s", simplifyPath(&threadCtx, filename), evalError.Backtrace())
		}
		return nil, eris.Wrap(err, "failed to execute")
	}

	if !doConfigure {
		return threadCtx.options, nil
	}

	configure, ok := globals["configure"]
	if !ok {
		return nil, eris.Errorf("%s did not declare a configure function", simplifyPath(&threadCtx, filename))
	}

	configureFunc, ok := configure.(starlark.Callable)
	if !ok {
		return nil, eris.Errorf("%s did declare a configure value but it's not a function", simplifyPath(&threadCtx, filename))
	}

	threadCtx.initPhase = false
	_, err = starlark.Call(thread, configureFunc, make(starlark.Tuple, 0), make([]starlark.Tuple, 0))
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			log(ctx).Debug().Msg(evalError.Backtrace())
		}
		return nil, eris.Wrapf(err, "failed configure call in %s", simplifyPath(&threadCtx, filename))
	}

	for _, task := range threadCtx.tasks {
		for name, value := range threadCtx.envOverrides {
			_, present := task.Env[name]
			if !present {
				task.Env[name] = value
			}
		}
	}

	return threadCtx.options, nil
}
