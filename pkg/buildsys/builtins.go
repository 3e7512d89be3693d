package buildsys

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

func resolvePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	base := ""
	ctx := getCtx(thread)

	if len(kwargs) > 0 {
		for _, kv := range kwargs {
			key := kv[0].(starlark.String).GoString()

			if key == "base" {
				switch value := kv[1].(type) {
				case starlark.String:
					base = value.GoString()
				case StarlarkPath:
					base = string(value)
				default:
					return nil, eris.Errorf("invalid type %s for keyword base, expected string or path", kv[1].Type())
				}

				base = normalizePath(ctx, base)
			} else {
				return nil, eris.Errorf("unexpected keyword argument %s", key)
			}
		}
	}

	if len(args) < 1 {
		return nil, eris.New("expects at least one argument")
	}

	parts := make([]string, len(args))
	for idx, path := range args {
		switch value := path.(type) {
		case starlark.String:
			parts[idx] = value.GoString()
		default:
			return nil, eris.Errorf("only accepts string arguments but argument %d was a %s", idx, path.Type())
		}
	}

	normPath := normalizePath(ctx, parts...)
	if base != "" {
		var err error
		normPath, err = filepath.Rel(base, normPath)
		if err != nil {
			return nil, err
		}
	}

	return StarlarkPath(normPath), nil
}

func starInfo(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	info(thread, message)
	return starlark.None, nil
}

func starWarn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	warn(thread, message)
	return starlark.None, nil
}

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key)
	if err != nil {
		return nil, err
	}

	envOverrides := getCtx(thread).envOverrides
	value, ok := envOverrides[key]
	if !ok {
		value = os.Getenv(key)
	}

	return starlark.String(value), nil
}

func setenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var value string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &key, &value)
	if err != nil {
		return nil, err
	}

	envOverrides := getCtx(thread).envOverrides
	envOverrides[key] = value

	return starlark.True, nil
}

func prependPathDir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pathDir string

	if len(args) != 1 {
		return nil, eris.Errorf("got %d arguments, want 1", len(args))
	}

	switch value := args[0].(type) {
	case starlark.String:
		pathDir = value.GoString()
	case StarlarkPath:
		pathDir = string(value)
	default:
		return nil, eris.Errorf("for parameter 1: got %s, want path or string", args[0].Type())
	}

	envOverrides := getCtx(thread).envOverrides
	path, ok := envOverrides["PATH"]
	if !ok {
		path = os.Getenv("PATH")
	}

	envOverrides["PATH"] = normalizePath(getCtx(thread), pathDir) + string(os.PathListSeparator) + path

	return starlark.String(envOverrides["PATH"]), nil
}

func loadYamlDoc(thread *starlark.Thread, yamlFile string) (interface{}, error) {
	yamlFile = normalizePath(getCtx(thread), yamlFile)

	cache := getCtx(thread).yamlCache
	doc, loaded := cache[yamlFile]
	if !loaded {
		content, err := os.ReadFile(yamlFile)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to open file %s", yamlFile)
		}

		err = yaml.Unmarshal(content, &doc)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse file %s", yamlFile)
		}
		cache[yamlFile] = doc
	}

	return doc, nil
}

func readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var yamlFile string
	var yamlKey string
	var defaultValue starlark.Value = starlark.None

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &yamlFile, &yamlKey, &defaultValue)
	if err != nil {
		return nil, err
	}

	doc, err := loadYamlDoc(thread, yamlFile)
	if err != nil {
		return nil, err
	}

	// parse the key
	value := reflect.ValueOf(doc)
	for _, key := range strings.Split(yamlKey, ".") {
		for value.Kind() == reflect.Interface {
			value = value.Elem()
		}

		switch value.Kind() {
		case reflect.Map:
			value = value.MapIndex(reflect.ValueOf(key))
		case reflect.Slice:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= value.Len() {
				return defaultValue, nil
			}
			value = value.Index(idx)
		case reflect.Invalid:
			return defaultValue, nil
		default:
			return nil, eris.Errorf("encountered unexpected value of kind %v in YAML document", value.Kind())
		}
	}

	for value.Kind() == reflect.Interface {
		value = value.Elem()
	}

	if value.Kind() == reflect.Invalid {
		return defaultValue, nil
	}

	switch value := value.Interface().(type) {
	case string:
		return starlark.String(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case bool:
		return starlark.Bool(value), nil
	case float64:
		return starlark.Float(value), nil
	default:
		return nil, eris.Errorf("can't return value %v", value)
	}
}

func starIsdir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dirPath string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &dirPath)
	if err != nil {
		return nil, err
	}

	dirPath = normalizePath(getCtx(thread), dirPath)
	info, err := os.Stat(dirPath)
	if err == nil && info.IsDir() {
		return starlark.True, nil
	} else {
		return starlark.False, nil
	}
}

func starIsfile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var filePath string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &filePath)
	if err != nil {
		return nil, err
	}

	filePath = normalizePath(getCtx(thread), filePath)
	info, err := os.Stat(filePath)
	if err == nil && info.Mode().IsRegular() {
		return starlark.True, nil
	} else {
		return starlark.False, nil
	}
}

func starExec(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	var outputFormat string
	var showError bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command, "format?", &outputFormat, "show_error?", &showError)
	if err != nil {
		return nil, err
	}

	if outputFormat == "" {
		outputFormat = "text"
	}

	if outputFormat != "text" && outputFormat != "json" {
		return nil, eris.Errorf("unsupported format %s", outputFormat)
	}

	var shellCmd []syntax.Node
	parser := syntax.NewParser()
	ctx := getCtx(thread)
	base := filepath.Dir(ctx.filepath)

	switch command := command.(type) {
	case starlark.String:
		part := TaskCmdScript{
			TaskName: fn.Name(),
			Index:    0,
			Content:  command.GoString(),
		}

		stmts, err := part.ToShellStmts(parser)
		if err != nil {
			return nil, err
		}

		shellCmd = make([]syntax.Node, len(stmts))
		for idx, stmt := range stmts {
			shellCmd[idx] = stmt
		}
	case starlark.Tuple:
		expr, err := processCmdParts(command, parser, base)
		if err != nil {
			return nil, err
		}

		shellCmd = []syntax.Node{expr}
	default:
		return nil, eris.Errorf("unexpected type %s for command parameter, only strings and tuples are valid", command.Type())
	}

	outputBuffer := strings.Builder{}
	errOut := os.Stderr

	if !showError {
		errOut = nil
	}

	runner, err := interp.New(
		interp.Dir(base),
		interp.Env(expand.ListEnviron(getEnvVars(ctx)...)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, &outputBuffer, errOut),
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize runner")
	}

	success := true
	for _, cmd := range shellCmd {
		err := runner.Run(ctx.ctx, cmd)
		if err != nil {
			if showError {
				log(ctx.ctx).Error().Err(err).Msg("shell error")
			}
			success = false
			break
		}
	}

	if !success {
		return starlark.False, nil
	}

	if outputFormat == "json" {
		var decoded interface{}
		err = json.Unmarshal([]byte(outputBuffer.String()), &decoded)
		if err != nil {
			return nil, eris.Wrap(err, "failed to parse command output")
		}

		return interfaceToStarlark(thread, decoded)
	}

	return starlark.String(outputBuffer.String()), nil
}

func pathArg(value starlark.Value, field string) (string, error) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), nil
	case StarlarkPath:
		return string(value), nil
	default:
		return "", eris.Errorf("invalid type %s for %s, expected string or path", value.Type(), field)
	}
}

func lookupTasks(ctx *parserCtx, input *starlark.List, field string) ([]*Task, error) {
	names, err := taskRefs(input, field)
	if err != nil {
		return nil, err
	}

	result := make([]*Task, len(names))
	for idx, name := range names {
		result[idx], err = ctx.build.Graph.Lookup(name)
		if err != nil {
			return nil, eris.Wrapf(err, "%s", field)
		}
	}
	return result, nil
}

func order(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target starlark.Value
	var deps *starlark.List
	var mustRunAfter *starlark.List
	var runsAfter *starlark.List
	var finalizedBy *starlark.List

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "task", &target, "deps?", &deps, "must_run_after?",
		&mustRunAfter, "runs_after?", &runsAfter, "finalized_by?", &finalizedBy)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if ctx.initPhase {
		return nil, eris.New("can only be called inside configure()")
	}

	name, err := taskRef(target, "task")
	if err != nil {
		return nil, err
	}

	task, err := ctx.build.Graph.Lookup(name)
	if err != nil {
		return nil, err
	}

	edges := []struct {
		list  *starlark.List
		field string
		apply func(...*Task) error
	}{
		{deps, "deps", task.DependsOn},
		{mustRunAfter, "must_run_after", task.MustRunAfter},
		{runsAfter, "runs_after", task.RunsAfter},
		{finalizedBy, "finalized_by", task.FinalizedBy},
	}

	for _, edge := range edges {
		others, err := lookupTasks(ctx, edge.list, edge.field)
		if err != nil {
			return nil, err
		}

		if err = edge.apply(others...); err != nil {
			return nil, err
		}
	}

	return task, nil
}

func configuration(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var desc string
	var extendsFrom *starlark.List

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "desc?", &desc, "extends?", &extendsFrom)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if ctx.initPhase {
		return nil, eris.New("configurations can only be declared inside configure()")
	}

	config, err := ctx.build.Configurations.Create(name, desc)
	if err != nil {
		return nil, err
	}

	if extendsFrom != nil {
		iter := extendsFrom.Iterate()
		defer iter.Done()

		var item starlark.Value
		for iter.Next(&item) {
			parent, err := configurationRef(item)
			if err != nil {
				return nil, err
			}

			if err = ctx.build.Configurations.Extend(name, parent); err != nil {
				return nil, err
			}
		}
	}

	return config, nil
}

func dependency(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, eris.Errorf("%s: unexpected keyword arguments", fn.Name())
	}

	if len(args) < 2 {
		return nil, eris.Errorf("%s: expected a configuration and at least one coordinate", fn.Name())
	}

	ctx := getCtx(thread)
	name, err := configurationRef(args[0])
	if err != nil {
		return nil, err
	}

	for idx, arg := range args[1:] {
		notation, ok := starlark.AsString(arg)
		if !ok {
			return nil, eris.Errorf("%s: coordinate %d must be a string, got %s", fn.Name(), idx+1, arg.Type())
		}

		coord, err := ParseCoordinate(notation)
		if err != nil {
			return nil, err
		}

		if err = ctx.build.Configurations.AddDependency(name, coord); err != nil {
			return nil, err
		}
	}

	return starlark.None, nil
}

func extends(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var child starlark.Value
	var parent starlark.Value

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &child, &parent)
	if err != nil {
		return nil, err
	}

	childName, err := configurationRef(child)
	if err != nil {
		return nil, err
	}

	parentName, err := configurationRef(parent)
	if err != nil {
		return nil, err
	}

	return starlark.None, getCtx(thread).build.Configurations.Extend(childName, parentName)
}

func writeClasspath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var config starlark.Value = starlark.None
	var name string
	var desc string
	var files *starlark.List
	var outputDir starlark.Value = starlark.None
	var fileName string
	var deps *starlark.List

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "configuration?", &config, "name?", &name, "desc?", &desc,
		"files?", &files, "output_dir?", &outputDir, "file_name?", &fileName, "deps?", &deps)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	manifest := ClasspathSpec{FileName: fileName}

	if config != starlark.None {
		manifest.Configuration, err = configurationRef(config)
		if err != nil {
			return nil, err
		}

		if _, err = ctx.build.Configurations.Get(manifest.Configuration); err != nil {
			return nil, err
		}
	}

	if manifest.Configuration == "" {
		if name == "" || fileName == "" {
			return nil, eris.Errorf("%s: name and file_name are required without a configuration", fn.Name())
		}
	} else if name == "" {
		name = ClasspathTaskName(manifest.Configuration)
	}

	if desc == "" {
		desc = "Writes the classpath of " + manifest.Configuration
		if manifest.Configuration == "" {
			desc = "Writes " + manifest.FileName
		}
	}

	extraFiles, err := starlarkIterable2stringSlice(files, "files")
	if err != nil {
		return nil, err
	}
	for _, item := range extraFiles {
		manifest.Files = append(manifest.Files, normalizePath(ctx, item))
	}

	if outputDir != starlark.None {
		dir, err := pathArg(outputDir, "output_dir")
		if err != nil {
			return nil, err
		}
		manifest.OutputDir = normalizePath(ctx, dir)
	}

	task := &Task{
		Name:   name,
		Desc:   desc,
		Action: manifest.Action(),
	}

	if task.dependsOn, err = taskRefs(deps, "deps"); err != nil {
		return nil, err
	}

	if err = registerTask(thread, task); err != nil {
		return nil, err
	}
	return task, nil
}

func processResources(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var desc string
	var source starlark.Value
	var into starlark.Value
	var filter *starlark.List
	var tokens *starlark.Dict
	var deps *starlark.List

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "source", &source, "into", &into, "filter?",
		&filter, "tokens?", &tokens, "desc?", &desc, "deps?", &deps)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	res := ResourceSpec{Tokens: make(map[string]string)}

	fromDir, err := pathArg(source, "source")
	if err != nil {
		return nil, err
	}
	res.From = normalizePath(ctx, fromDir)

	intoDir, err := pathArg(into, "into")
	if err != nil {
		return nil, err
	}
	res.Into = normalizePath(ctx, intoDir)

	if res.Filter, err = starlarkIterable2stringSlice(filter, "filter"); err != nil {
		return nil, err
	}

	if tokens != nil {
		for _, item := range tokens.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, eris.Errorf("found key type %s in tokens but only strings are supported", item[0].Type())
			}

			switch value := item[1].(type) {
			case starlark.String:
				res.Tokens[key] = value.GoString()
			case starlark.Int:
				res.Tokens[key] = value.String()
			case StarlarkPath:
				res.Tokens[key] = string(value)
			default:
				return nil, eris.Errorf("found value of type %s for token %s but only strings and ints are supported", item[1].Type(), key)
			}
		}
	}

	task := &Task{
		Name:   name,
		Desc:   desc,
		Action: res.Action(),
	}

	if task.dependsOn, err = taskRefs(deps, "deps"); err != nil {
		return nil, err
	}

	if err = registerTask(thread, task); err != nil {
		return nil, err
	}
	return task, nil
}

func classpathTaskName(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var config starlark.Value

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &config)
	if err != nil {
		return nil, err
	}

	name, err := configurationRef(config)
	if err != nil {
		return nil, err
	}

	return starlark.String(ClasspathTaskName(name)), nil
}

func starUpperFirst(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &value)
	if err != nil {
		return nil, err
	}

	return starlark.String(upperFirst(value)), nil
}

func prop(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.Value

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &name, &defaultValue)
	if err != nil {
		return nil, err
	}

	value, err := getCtx(thread).build.Prop(name)
	if err != nil {
		if defaultValue != nil {
			return defaultValue, nil
		}
		return nil, err
	}

	return starlark.String(value), nil
}

func loadProps(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var propFile string
	var prefix string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "file", &propFile, "prefix?", &prefix)
	if err != nil {
		return nil, err
	}

	doc, err := loadYamlDoc(thread, propFile)
	if err != nil {
		return nil, err
	}

	if doc == nil {
		return starlark.MakeInt(0), nil
	}

	props := make(map[string]string)
	flattenYaml(prefix, doc, props)

	build := getCtx(thread).build
	for key, value := range props {
		build.Props[key] = value
	}

	return starlark.MakeInt(len(props)), nil
}
