// Package config loads the JSON configuration consumed by the AP2
// daemons. A single file describes the API server, storage and queue
// drivers, the escrow ledger mode and the execution agent; relative
// paths inside the file resolve against the directory the file lives
// in, so a checkout can be started without further flags.
package config
