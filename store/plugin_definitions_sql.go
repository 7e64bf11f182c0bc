package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
)

// ListPluginDefinitions satisfies plugin.DefinitionStore, returning every
// persisted row of the given origin (spec §4.4).
func (s *SQLTaskStore) ListPluginDefinitions(ctx context.Context, origin domain.PluginOrigin) ([]domain.PluginDefinition, error) {
	query := fmt.Sprintf(`SELECT namespace, description, input_schema_json, output_schema_json,
		category, requires_checkpoint, policy_json, origin, organization_id
		FROM plugin_definitions WHERE origin=%s ORDER BY namespace`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, query, string(origin))
	if err != nil {
		return nil, core.NewError("store.ListPluginDefinitions", core.KindInternal, "", err)
	}
	defer rows.Close()

	var out []domain.PluginDefinition
	for rows.Next() {
		def, err := scanPluginDefinition(rows)
		if err != nil {
			return nil, core.NewError("store.ListPluginDefinitions", core.KindInternal, "", err)
		}
		out = append(out, def)
	}
	return out, nil
}

// UpsertPluginDefinition creates or replaces a plugin's registration row.
func (s *SQLTaskStore) UpsertPluginDefinition(ctx context.Context, def domain.PluginDefinition) error {
	inputJSON, _ := json.Marshal(def.InputSchema)
	outputJSON, _ := json.Marshal(def.OutputSchema)
	policyJSON, _ := json.Marshal(def.Policy)

	var query string
	if s.dialect == "postgres" {
		query = `INSERT INTO plugin_definitions (namespace, description, input_schema_json,
				output_schema_json, category, requires_checkpoint, policy_json, origin, organization_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (namespace) DO UPDATE SET
				description=$2, input_schema_json=$3, output_schema_json=$4, category=$5,
				requires_checkpoint=$6, policy_json=$7, origin=$8, organization_id=$9`
	} else {
		query = `INSERT INTO plugin_definitions (namespace, description, input_schema_json,
				output_schema_json, category, requires_checkpoint, policy_json, origin, organization_id)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT (namespace) DO UPDATE SET
				description=excluded.description, input_schema_json=excluded.input_schema_json,
				output_schema_json=excluded.output_schema_json, category=excluded.category,
				requires_checkpoint=excluded.requires_checkpoint, policy_json=excluded.policy_json,
				origin=excluded.origin, organization_id=excluded.organization_id`
	}
	_, err := s.db.ExecContext(ctx, query, def.Namespace, def.Description, string(inputJSON),
		string(outputJSON), string(def.Category), def.RequiresCheckpoint, string(policyJSON),
		string(def.Origin), nullableString(def.OrganizationID))
	if err != nil {
		return core.NewError("store.UpsertPluginDefinition", core.KindInternal, def.Namespace, err)
	}
	return nil
}

// DeletePluginDefinition removes a plugin's row (spec §4.4: orphaned
// system rows are deleted on sync).
func (s *SQLTaskStore) DeletePluginDefinition(ctx context.Context, namespace string) error {
	query := fmt.Sprintf("DELETE FROM plugin_definitions WHERE namespace = %s", s.ph(1))
	_, err := s.db.ExecContext(ctx, query, namespace)
	if err != nil {
		return core.NewError("store.DeletePluginDefinition", core.KindInternal, namespace, err)
	}
	return nil
}

func scanPluginDefinition(row scanner) (domain.PluginDefinition, error) {
	var def domain.PluginDefinition
	var category, origin string
	var inputJSON, outputJSON, policyJSON, organizationID sql.NullString

	if err := row.Scan(&def.Namespace, &def.Description, &inputJSON, &outputJSON, &category,
		&def.RequiresCheckpoint, &policyJSON, &origin, &organizationID); err != nil {
		return domain.PluginDefinition{}, err
	}
	def.Category = domain.PluginCategory(category)
	def.Origin = domain.PluginOrigin(origin)
	def.OrganizationID = organizationID.String
	if inputJSON.Valid && inputJSON.String != "" && inputJSON.String != "null" {
		_ = json.Unmarshal([]byte(inputJSON.String), &def.InputSchema)
	}
	if outputJSON.Valid && outputJSON.String != "" && outputJSON.String != "null" {
		_ = json.Unmarshal([]byte(outputJSON.String), &def.OutputSchema)
	}
	if policyJSON.Valid && policyJSON.String != "" && policyJSON.String != "null" {
		_ = json.Unmarshal([]byte(policyJSON.String), &def.Policy)
	}
	return def, nil
}
