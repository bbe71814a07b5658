package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// CheckVersion prints version and exits when --version is on the command line.
func CheckVersion(version string) {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" {
			fmt.Println(version)
			os.Exit(0)
		}
	}
}

type LoadOptions struct {
	ConfigFlag     string
	DefaultConfig  string
	StrictINI      bool
	SkipAutoConfig bool
}

// field is one settable leaf of the config struct. Fields of a struct
// tagged with section:"x" live under [x] in the INI file and take the
// flag name "x.<name>".
type field struct {
	value    reflect.Value
	name     string
	aliases  []string
	help     string
	def      string
	required bool
	section  string
}

func (f *field) flagName() string {
	if f.section == "" {
		return f.name
	}
	return f.section + "." + f.name
}

var durationType = reflect.TypeOf(time.Duration(0))

func Load(cfg any, args []string) error {
	return LoadWithOptions(cfg, args, nil)
}

// LoadWithOptions fills cfg from struct tag defaults, then the INI file,
// then command line flags.
func LoadWithOptions(cfg any, args []string, opts *LoadOptions) error {
	if opts == nil {
		opts = &LoadOptions{DefaultConfig: "./config.ini"}
	}
	if opts.ConfigFlag == "" {
		opts.ConfigFlag = "config"
	}

	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return errors.New("cfg must be a pointer to a struct")
	}

	fields, err := collectFields(rv.Elem(), "")
	if err != nil {
		return err
	}
	for _, f := range fields {
		if f.def == "" {
			continue
		}
		if err := setValue(f.value, f.def); err != nil {
			return fmt.Errorf("invalid default for %s: %w", f.flagName(), err)
		}
	}

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	configPath := fs.String(opts.ConfigFlag, "", "Path to config file")
	raw := make(map[string]func() string, len(fields))
	for _, f := range fields {
		name := f.flagName()
		if f.value.Kind() == reflect.Bool {
			b := fs.Bool(name, false, f.help)
			raw[name] = func() string { return strconv.FormatBool(*b) }
			continue
		}
		s := fs.String(name, "", f.help)
		raw[name] = func() string { return *s }
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		return err
	}

	path := *configPath
	if path == "" && !opts.SkipAutoConfig && opts.DefaultConfig != "" {
		if _, err := os.Stat(opts.DefaultConfig); err == nil {
			path = opts.DefaultConfig
		}
	}
	if path != "" {
		if err := applyINI(path, fields, opts.StrictINI); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}

	var flagErr error
	fs.Visit(func(fl *flag.Flag) {
		if flagErr != nil || fl.Name == opts.ConfigFlag {
			return
		}
		for i := range fields {
			if fields[i].flagName() == fl.Name {
				if err := setValue(fields[i].value, raw[fl.Name]()); err != nil {
					flagErr = fmt.Errorf("invalid value for -%s: %w", fl.Name, err)
				}
				return
			}
		}
	})
	if flagErr != nil {
		return flagErr
	}

	var missing []string
	for _, f := range fields {
		if f.required && f.value.IsZero() {
			missing = append(missing, f.flagName())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

func collectFields(v reflect.Value, section string) ([]field, error) {
	var fields []field
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if sec := sf.Tag.Get("section"); sec != "" {
			if section != "" {
				return nil, fmt.Errorf("nested section %q inside %q", sec, section)
			}
			if fv.Kind() != reflect.Struct {
				return nil, fmt.Errorf("section %q must be a struct", sec)
			}
			sub, err := collectFields(fv, strings.ToLower(sec))
			if err != nil {
				return nil, err
			}
			fields = append(fields, sub...)
			continue
		}

		f := field{
			value:    fv,
			name:     sf.Tag.Get("name"),
			help:     sf.Tag.Get("help"),
			def:      sf.Tag.Get("default"),
			required: sf.Tag.Get("required") == "true",
			section:  section,
		}
		if f.name == "" {
			f.name = toKebabCase(sf.Name)
		}
		if alias := sf.Tag.Get("alias"); alias != "" {
			for _, a := range strings.Split(alias, ",") {
				f.aliases = append(f.aliases, strings.TrimSpace(a))
			}
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// setValue parses s into v. Integer fields accept byte sizes such as
// "64MB"; time.Duration fields accept time.ParseDuration syntax.
func setValue(v reflect.Value, s string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		v.SetBool(ParseBool(s))
	case reflect.Int, reflect.Int64:
		if v.Type() == durationType {
			d, err := time.ParseDuration(s)
			if err != nil {
				return err
			}
			v.SetInt(int64(d))
			return nil
		}
		n, err := ParseSize(s)
		if err != nil {
			return err
		}
		if v.OverflowInt(n) {
			return fmt.Errorf("%s overflows %s", s, v.Type())
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		n, err := ParseSize(s)
		if err != nil {
			return err
		}
		if n < 0 || v.OverflowUint(uint64(n)) {
			return fmt.Errorf("%s out of range for %s", s, v.Type())
		}
		v.SetUint(uint64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %v", v.Type())
		}
		var items []string
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		v.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported type: %v", v.Kind())
	}
	return nil
}

func toKebabCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
