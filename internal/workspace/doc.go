// Package workspace stores the founder records that prompt packs read and
// write: profiles, startups, lean canvases, tasks, validation reports and
// pitch decks.
//
// Store satisfies automation.WorkspaceReader, so the engine builds its
// template context from it. Register installs one automation target
// handler per writable record kind:
//
//	profile     update whitelisted profile columns
//	startup     update whitelisted startup columns
//	canvas      upsert the startup's lean canvas
//	tasks       insert tasks from an array or {"tasks": [...]}
//	validation  insert a validation report
//	pitch_deck  upsert slides on the startup's latest draft deck
//
// Handlers accept the loose shapes models produce. Keys outside a table's
// whitelist are ignored rather than rejected.
package workspace
