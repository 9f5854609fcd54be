// Package provider is the engine's gateway to hosted language models.
//
// A step never names a vendor endpoint directly. It asks for a model family
// (fast or reasoning) with an optional provider hint, and the Gateway walks
// an ordered list of candidates until one answers, all under one shared
// time budget:
//
//	gw := provider.NewGateway(provider.NewClients(factories), families, provider.Options{})
//	res, err := gw.Invoke(ctx, provider.Call{Family: provider.FamilyFast, Prompt: p, Format: provider.FormatJSON})
//
// Backend clients are built on first use and kept for the process lifetime.
// A backend without credentials is reported as a *ConfigurationError when a
// call first reaches it and is skipped in favour of the next candidate.
//
// Failures are typed: *ProviderError for a backend that answered badly or
// timed out, *ExhaustedError when no candidate produced a result.
package provider
