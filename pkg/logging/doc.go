// Package logging provides the process-wide structured logger for compass.
//
// All subsystems log through the package-level Debug/Info/Warn/Error helpers,
// which attach the subsystem name as a structured attribute. The backend is
// log/slog with either a text handler (development) or a JSON handler
// (production), selected at initialization time.
package logging
