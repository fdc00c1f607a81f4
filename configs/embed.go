package configs

import "embed"

// Profiles contains the shipped default session profiles.
//
//go:embed profiles/*.yaml
var Profiles embed.FS
