package store

// schemaSQL creates every table and index the pipeline owns. Statements are
// idempotent so Migrate can run on every open.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS products_raw (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    source            TEXT NOT NULL,
    method            TEXT NOT NULL,
    platform          TEXT NOT NULL,
    raw_platform      TEXT NOT NULL,
    bank_name         TEXT NOT NULL,
    account_type      TEXT NOT NULL CHECK (account_type IN ('easy_access','notice','fixed_term')),
    aer_rate          REAL NOT NULL CHECK (aer_rate > 0),
    gross_rate        REAL,
    term_months       INTEGER,
    notice_period_days INTEGER,
    min_deposit       REAL,
    max_deposit       REAL,
    fscs_protected    INTEGER NOT NULL DEFAULT 0,
    special_features  TEXT,
    scrape_date       TEXT NOT NULL,
    regulator_id      TEXT,
    confidence_score  REAL NOT NULL DEFAULT 0,
    business_key      TEXT,
    batch_id          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_products_raw_slice ON products_raw(source, method);
CREATE INDEX IF NOT EXISTS idx_products_raw_batch ON products_raw(batch_id);

CREATE TABLE IF NOT EXISTS products (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    source            TEXT NOT NULL,
    method            TEXT NOT NULL,
    platform          TEXT NOT NULL,
    raw_platform      TEXT NOT NULL,
    bank_name         TEXT NOT NULL,
    account_type      TEXT NOT NULL CHECK (account_type IN ('easy_access','notice','fixed_term')),
    aer_rate          REAL NOT NULL CHECK (aer_rate > 0),
    gross_rate        REAL,
    term_months       INTEGER,
    notice_period_days INTEGER,
    min_deposit       REAL,
    max_deposit       REAL,
    fscs_protected    INTEGER NOT NULL DEFAULT 0,
    special_features  TEXT,
    scrape_date       TEXT NOT NULL,
    regulator_id      TEXT,
    confidence_score  REAL NOT NULL DEFAULT 0,
    business_key      TEXT NOT NULL,
    batch_id          TEXT NOT NULL,
    quality_score     REAL NOT NULL DEFAULT 0,
    UNIQUE (business_key, platform)
);
CREATE INDEX IF NOT EXISTS idx_products_regulator ON products(regulator_id);
CREATE INDEX IF NOT EXISTS idx_products_type_rate ON products(account_type, aer_rate DESC);

CREATE TABLE IF NOT EXISTS regulator_lookup (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    search_name      TEXT NOT NULL,
    regulator_id     TEXT NOT NULL,
    canonical_name   TEXT NOT NULL,
    match_type       TEXT NOT NULL CHECK (match_type IN ('manual_override','direct_match','name_variation','shared_brand','alias')),
    confidence_score REAL NOT NULL DEFAULT 1.0,
    match_rank       INTEGER NOT NULL DEFAULT 1,
    active           INTEGER NOT NULL DEFAULT 1,
    updated_at       TEXT NOT NULL,
    UNIQUE (search_name, regulator_id, match_type)
);
CREATE INDEX IF NOT EXISTS idx_lookup_search ON regulator_lookup(search_name);

CREATE TABLE IF NOT EXISTS institution_prefs (
    regulator_id      TEXT PRIMARY KEY,
    personal_limit    REAL,
    easy_access_required_above_default INTEGER NOT NULL DEFAULT 0,
    trust_level       INTEGER NOT NULL DEFAULT 0,
    risk_notes        TEXT NOT NULL DEFAULT '',
    protection_type   TEXT NOT NULL DEFAULT 'standard' CHECK (protection_type IN ('standard','personal_override','government_protected'))
);

CREATE TABLE IF NOT EXISTS research_queue (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    bank_name        TEXT NOT NULL UNIQUE,
    first_seen       TEXT NOT NULL,
    last_seen        TEXT NOT NULL,
    occurrence_count INTEGER NOT NULL DEFAULT 1,
    status           TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open','resolved','dismissed'))
);

CREATE TABLE IF NOT EXISTS deposits (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    regulator_id     TEXT NOT NULL,
    bank             TEXT NOT NULL,
    balance          REAL NOT NULL,
    sub_type         TEXT NOT NULL DEFAULT '',
    aer_rate         REAL,
    is_joint_account INTEGER NOT NULL DEFAULT 0,
    is_active        INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_deposits_regulator ON deposits(regulator_id);

CREATE TABLE IF NOT EXISTS config (
    config_key   TEXT PRIMARY KEY,
    config_value TEXT NOT NULL,
    config_type  TEXT NOT NULL CHECK (config_type IN ('string','number','boolean','json')),
    updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_master (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id    TEXT NOT NULL,
    started_at  TEXT NOT NULL,
    finished_at TEXT,
    file_path   TEXT NOT NULL DEFAULT '',
    file_sha256 TEXT NOT NULL DEFAULT '',
    source      TEXT NOT NULL DEFAULT '',
    method      TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_batch_master_batch ON batch_master(batch_id);

CREATE TABLE IF NOT EXISTS ingestion_audit (
    id                            INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id                      TEXT NOT NULL,
    record_ordinal                INTEGER NOT NULL,
    validation_status             TEXT NOT NULL CHECK (validation_status IN ('valid','invalid')),
    validation_details_json       TEXT NOT NULL,
    filter_outcome                TEXT,
    platform_source_metadata_json TEXT NOT NULL,
    UNIQUE (batch_id, record_ordinal)
);

CREATE TABLE IF NOT EXISTS matching_audit (
    id                        INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id                  TEXT NOT NULL,
    record_ordinal            INTEGER NOT NULL,
    product_id                INTEGER NOT NULL,
    original_bank_name        TEXT NOT NULL,
    normalized_bank_name      TEXT NOT NULL,
    normalization_steps_json  TEXT NOT NULL,
    database_query_method     TEXT NOT NULL,
    match_type                TEXT,
    final_regulator_id        TEXT,
    final_confidence          REAL NOT NULL DEFAULT 0,
    decision_routing          TEXT NOT NULL,
    manual_override_timestamp TEXT,
    UNIQUE (batch_id, record_ordinal)
);
CREATE INDEX IF NOT EXISTS idx_matching_audit_product ON matching_audit(product_id);

CREATE TABLE IF NOT EXISTS dedup_audit (
    id                              INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id                        TEXT NOT NULL,
    group_ordinal                   INTEGER NOT NULL,
    group_id                        TEXT NOT NULL,
    business_key                    TEXT NOT NULL,
    platform                        TEXT NOT NULL,
    platforms_in_group_json         TEXT NOT NULL,
    quality_scores_json             TEXT NOT NULL,
    winner_product_id               INTEGER,
    rejected_products_metadata_json TEXT NOT NULL,
    UNIQUE (batch_id, group_ordinal)
);
CREATE INDEX IF NOT EXISTS idx_dedup_audit_batch ON dedup_audit(batch_id);
CREATE INDEX IF NOT EXISTS idx_dedup_audit_winner ON dedup_audit(winner_product_id);
`
