package brhil

import _ "embed"

// SmokeScenario is run by `brhil run` when no scenario file is given.
//
//go:embed scenarios/smoke.yaml
var SmokeScenario []byte
