package config

import (
	"reflect"
	"sort"
	"strings"

	logx "instabot/pkg/logx"
)

// LiveSections are applied on reload without a restart.
var LiveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Tokens are never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Limits, newCfg.Limits) {
		changed = append(changed, "limits")
		for name, v := range newCfg.Limits.Counts().Map() {
			attrs = append(attrs, logx.Int("limits."+name, v))
		}
	}
	if !reflect.DeepEqual(oldCfg.Delays, newCfg.Delays) {
		changed = append(changed, "delays")
		attrs = append(attrs,
			logx.Bool("delays.randomization", newCfg.Delays.Randomization.Enabled),
			logx.String("delays.block_pause", strings.TrimSpace(newCfg.Delays.BlockPause)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Rules, newCfg.Rules) {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.Int("rules.max_errors_per_session", intOr(newCfg.Rules.MaxErrorsPerSession, 0)),
			logx.Int("rules.max_actions_per_hour", newCfg.Rules.MaxActionsPerHour),
		)
	}
	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.daily_reset", newCfg.Schedule.DailyReset),
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
		)
	}

	od, nd := oldCfg.Driver, newCfg.Driver
	tokenChanged := (od.Token != "") != (nd.Token != "")
	od.Token, nd.Token = "", ""
	if od != nd || tokenChanged {
		changed = append(changed, "driver")
		attrs = append(attrs,
			logx.String("driver.mode", nd.Mode),
			logx.String("driver.url", nd.URL),
			logx.Bool("driver.token_set", newCfg.Driver.Token != ""),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	var oN, nN NotifierConfig
	if oldCfg.Notifier != nil {
		oN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		nN = *newCfg.Notifier
	}
	nTokenSet := nN.Token != ""
	oN.Token, nN.Token = boolToken(oN.Token), boolToken(nN.Token)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Bool("notifier.token_set", nTokenSet),
			logx.Int("notifier.owner_count", len(nN.OwnerUserIDs)),
		)
	}

	oH, nH := oldCfg.HTTP, newCfg.HTTP
	oH.Token, nH.Token = boolToken(oH.Token), boolToken(nH.Token)
	if oH != nH {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nH.Enabled),
			logx.String("http.addr", nH.Addr),
			logx.Bool("http.token_set", nH.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed down to sections that are not applied live.
func RestartRequired(changed []string) []string {
	out := make([]string, 0, len(changed))
	for _, s := range changed {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func boolToken(s string) string {
	if s == "" {
		return ""
	}
	return "set"
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
