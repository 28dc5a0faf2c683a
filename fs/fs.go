// Package appfs embeds the files shipped with the binaries: migrations, email templates & assets.
package appfs

import "embed"

//go:embed migrations/*.sql templates/email/* assets/*
var FS embed.FS
