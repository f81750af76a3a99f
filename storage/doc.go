// Package storage provides the persistence contracts for the IndieAuth
// server. Two backends ship with the module: memory (development and
// tests) and gormstore (sqlite or PostgreSQL via GORM).
package storage
