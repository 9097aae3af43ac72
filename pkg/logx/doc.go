// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the engine's packages can log through a stable, minimal API
// (Logger + Field helpers) while sink wiring (console, file, levels) stays in
// one place and can be swapped at runtime via Service.Apply.
package logx
