package config

// ConfigDiff describes what changed between two configs.
// Only log level and voice can be applied without a restart; everything else
// is reported so the caller can tell the operator a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceChanged bool
	NewVoice     string

	// RestartRequired is true when transport, audio, playback, session
	// timing, or transcript settings changed.
	RestartRequired bool
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VoiceChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.Voice != new.Session.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Session.Voice
	}

	if old.Transport != new.Transport ||
		old.Audio != new.Audio ||
		old.Playback != new.Playback ||
		old.Transcripts != new.Transcripts ||
		old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = true
	}

	// Session timing changes other than the voice.
	os, ns := old.Session, new.Session
	os.Voice, ns.Voice = "", ""
	if os != ns {
		d.RestartRequired = true
	}

	return d
}
