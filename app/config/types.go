package config

// FeedConfig declares one subscription in the feeds directory.
type FeedConfig struct {
	Feed     FeedInfo     `yaml:"feed"`
	Settings FeedSettings `yaml:"settings"`
}

type FeedInfo struct {
	URL   string `yaml:"url"`
	Title string `yaml:"title"`
}

type FeedSettings struct {
	// Enabled defaults to true; disabled feeds are not registered.
	Enabled *bool `yaml:"enabled"`
}

func (c *FeedConfig) IsEnabled() bool {
	return c.Settings.Enabled == nil || *c.Settings.Enabled
}
