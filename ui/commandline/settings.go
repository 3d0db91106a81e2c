package commandline

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gsplat/pkg/ml/train"
	"github.com/gomlx/gsplat/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "train_lr=0.001;i_save=1000;...".
//
// Keys are the YAML names of the train.Config fields, and values are parsed to the type of the field.
// List values are separated by ",": e.g. "adam_betas=0.9,0.999".
//
// An entry like "file:settings.txt" reads the settings from the file: new-lines work as ";", and
// lines starting with "#" are comments.
//
// It updates cfg accordingly and returns the keys set, or an error if a key is unknown, a value
// fails to parse or the resulting configuration is invalid.
//
// Example usage:
//
//	cfg := train.DefaultConfig()
//	cmd.Flags().StringVar(&settings, "set", "", commandline.SettingsUsage(cfg))
//	...
//	keysSet, err := commandline.ParseSettings(cfg, settings)
//	if err != nil { return err }
//	fmt.Println(commandline.SprintModifiedSettings(cfg, keysSet))
func ParseSettings(cfg *train.Config, settings string) (keysSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		var newKeys []string
		if strings.HasPrefix(setting, "file:") {
			newKeys, err = parseSettingsFile(cfg, strings.TrimPrefix(setting, "file:"))
		} else {
			newKeys, err = cfg.ParseSettings(setting)
		}
		keysSet = append(keysSet, newKeys...)
		if err != nil {
			return
		}
	}
	return
}

func parseSettingsFile(cfg *train.Config, filePath string) (keysSet []string, err error) {
	filePath, err = fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
		return
	}
	var lines []string
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "file:") {
			err = errors.Errorf("settings file %q can't include other files (%q)", filePath, line)
			return
		}
		lines = append(lines, line)
	}
	keysSet, err = cfg.ParseSettings(strings.Join(lines, ";"))
	if err != nil {
		err = errors.WithMessagef(err, "settings file %q", filePath)
	}
	return
}

// SettingsUsage returns the description of a settings flag, listing the keys that can be set
// along with their value in cfg.
func SettingsUsage(cfg *train.Config) string {
	var parts []string
	parts = append(parts,
		`Set training configuration values. `+
			`It should be a list of elements "key=value" separated by ";". `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Current available keys that can be set:`)
	for _, kv := range configValues(cfg) {
		parts = append(parts, fmt.Sprintf("%q: default value is %s", kv[0], kv[1]))
	}
	return strings.Join(parts, "\n")
}

// SprintSettings pretty-prints all the values of the configuration into a string.
func SprintSettings(cfg *train.Config) string {
	var parts []string
	for _, kv := range configValues(cfg) {
		parts = append(parts, fmt.Sprintf("\t%q: %s", kv[0], kv[1]))
	}
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-prints the values of the given keys (as returned by ParseSettings).
// Duplicate and unknown keys are ignored.
func SprintModifiedSettings(cfg *train.Config, keysSet []string) string {
	values := make(map[string]string)
	for _, kv := range configValues(cfg) {
		values[kv[0]] = kv[1]
	}
	keysSet = slices.Clone(keysSet)
	slices.Sort(keysSet)
	keysSet = slices.Compact(keysSet)
	var parts []string
	for _, key := range keysSet {
		value, found := values[key]
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: %s", key, value))
	}
	return strings.Join(parts, "\n")
}

// configValues returns the pairs (key, value) of the configuration, in the order of the fields.
func configValues(cfg *train.Config) (pairs [][2]string) {
	var node yaml.Node
	if err := node.Encode(cfg); err != nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for ii := 0; ii+1 < len(node.Content); ii += 2 {
		key, value := node.Content[ii], node.Content[ii+1]
		var valueStr string
		if value.Kind == yaml.SequenceNode {
			items := make([]string, len(value.Content))
			for jj, item := range value.Content {
				items[jj] = item.Value
			}
			valueStr = strings.Join(items, ",")
		} else {
			valueStr = value.Value
		}
		pairs = append(pairs, [2]string{key.Value, valueStr})
	}
	return
}
