/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"fmt"
	"os"
	"strings"

	"github.com/uptrace/bun"
	"gopkg.in/yaml.v3"
)

// ForeignKeyConstraint describes a foreign key relationship between tables.
type ForeignKeyConstraint struct {
	Table           string `yaml:"table"`
	Column          string `yaml:"column"`
	ReferenceTable  string `yaml:"reference_table"`
	ReferenceColumn string `yaml:"reference_column"`
	OnDelete        string `yaml:"on_delete"` // CASCADE, RESTRICT, SET NULL, NO ACTION
	OnUpdate        string `yaml:"on_update"`
}

// Clause returns the CREATE TABLE foreign key clause and its arguments, in the
// form accepted by bun.CreateTableQuery.ForeignKey.
func (fk ForeignKeyConstraint) Clause() (string, []any) {
	query := "(?) REFERENCES ? (?)"
	args := []any{bun.Ident(fk.Column), bun.Ident(fk.ReferenceTable), bun.Ident(fk.ReferenceColumn)}
	if fk.OnDelete != "" {
		query += " ON DELETE " + strings.ToUpper(fk.OnDelete)
	}
	if fk.OnUpdate != "" {
		query += " ON UPDATE " + strings.ToUpper(fk.OnUpdate)
	}
	return query, args
}

func (fk ForeignKeyConstraint) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", fk.Table, fk.Column, fk.ReferenceTable, fk.ReferenceColumn)
}

// ForeignKeyConfig is the YAML document listing foreign key constraints.
type ForeignKeyConfig struct {
	ForeignKeys []ForeignKeyConstraint `yaml:"foreign_keys"`
}

// ForeignKeyManager holds the constraints applied when tables are created.
type ForeignKeyManager struct {
	constraints []ForeignKeyConstraint
	logger      Logger
}

// NewForeignKeyManager creates a manager with the given constraints.
func NewForeignKeyManager(logger Logger, constraints ...ForeignKeyConstraint) *ForeignKeyManager {
	return &ForeignKeyManager{constraints: append([]ForeignKeyConstraint(nil), constraints...), logger: logger}
}

// LoadForeignKeys reads constraints from a YAML file and appends them.
func (fkm *ForeignKeyManager) LoadForeignKeys(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read foreign key file: %w", err)
	}
	var cfg ForeignKeyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse foreign key file: %w", err)
	}
	fkm.constraints = append(fkm.constraints, cfg.ForeignKeys...)
	if fkm.logger != nil {
		fkm.logger.Debug("Loaded foreign key constraints", "path", path, "count", len(cfg.ForeignKeys))
	}
	return nil
}

// Add appends constraints.
func (fkm *ForeignKeyManager) Add(constraints ...ForeignKeyConstraint) {
	fkm.constraints = append(fkm.constraints, constraints...)
}

// GetConstraintsByTable returns the constraints defined for a table.
func (fkm *ForeignKeyManager) GetConstraintsByTable(tableName string) []ForeignKeyConstraint {
	var result []ForeignKeyConstraint
	for _, constraint := range fkm.constraints {
		if strings.EqualFold(constraint.Table, tableName) {
			result = append(result, constraint)
		}
	}
	return result
}

// ListAllConstraints returns all configured constraints.
func (fkm *ForeignKeyManager) ListAllConstraints() []ForeignKeyConstraint {
	return fkm.constraints
}

var validForeignKeyActions = []string{"CASCADE", "RESTRICT", "SET NULL", "NO ACTION"}

// ValidateConstraints checks the configured constraints for common issues.
func (fkm *ForeignKeyManager) ValidateConstraints() []error {
	var errors []error
	for _, c := range fkm.constraints {
		if c.Table == "" || c.Column == "" || c.ReferenceTable == "" || c.ReferenceColumn == "" {
			errors = append(errors, fmt.Errorf("incomplete foreign key constraint: %s", c))
		}
		for _, action := range []string{c.OnDelete, c.OnUpdate} {
			if action != "" && !isValidForeignKeyAction(action) {
				errors = append(errors, fmt.Errorf("invalid referential action %q: %s", action, c))
			}
		}
	}
	return errors
}

func isValidForeignKeyAction(action string) bool {
	for _, valid := range validForeignKeyActions {
		if strings.EqualFold(action, valid) {
			return true
		}
	}
	return false
}
