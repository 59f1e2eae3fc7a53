package config

import (
	"reflect"
	"sort"
)

// Section names, as they appear in the file.
const (
	SectionLog        = "log"
	SectionGateway    = "gateway"
	SectionController = "controller"
	SectionAPI        = "api"
	SectionChannels   = "channels"
	SectionLatches    = "latches"
)

// reloadable sections can be applied to a running process.
var reloadable = map[string]bool{
	SectionLog: true,
}

// Changes returns the sections that differ between old and new, sorted.
func Changes(old, new *Config) []string {
	sections := map[string][2]interface{}{
		SectionLog:        {old.Log, new.Log},
		SectionGateway:    {old.Gateway, new.Gateway},
		SectionController: {old.Controller, new.Controller},
		SectionAPI:        {old.API, new.API},
		SectionChannels:   {old.Channels, new.Channels},
		SectionLatches:    {old.Latches, new.Latches},
	}
	var changed []string
	for name, pair := range sections {
		if !reflect.DeepEqual(pair[0], pair[1]) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// CanReload reports whether section can be applied without a restart.
func CanReload(section string) bool {
	return reloadable[section]
}

// NonReloadable returns the sections in changed that need a restart.
func NonReloadable(changed []string) []string {
	var out []string
	for _, name := range changed {
		if !reloadable[name] {
			out = append(out, name)
		}
	}
	return out
}
