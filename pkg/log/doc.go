/*
Package log provides structured logging for Canopy built on zerolog.

Init configures a single global logger (console or JSON output); the
WithComponent, WithLab, WithJob and WithAgent helpers derive child loggers
with the standard correlation fields used across the control plane.
*/
package log
