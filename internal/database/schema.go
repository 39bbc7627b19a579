package database

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id BIGINT PRIMARY KEY,
    display_name VARCHAR(255),
    balance INT NOT NULL DEFAULT 0,
    total_spent INT NOT NULL DEFAULT 0,
    model_ref VARCHAR(255),
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    CONSTRAINT chk_balance_non_negative CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS jobs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    mode VARCHAR(16) NOT NULL,
    style VARCHAR(64),
    credits_charged INT NOT NULL,
    status VARCHAR(16) NOT NULL,
    external_id VARCHAR(128),
    output_ref TEXT,
    error_kind VARCHAR(32),
    error_message TEXT,
    progress INT NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    finished_at BIGINT,
    INDEX idx_jobs_user (user_id),
    FOREIGN KEY (user_id) REFERENCES accounts(user_id)
);

CREATE TABLE IF NOT EXISTS transactions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    type VARCHAR(16) NOT NULL,
    status VARCHAR(16) NOT NULL,
    credits INT NOT NULL,
    amount VARCHAR(40),
    medium VARCHAR(32),
    package_id VARCHAR(32),
    external_ref VARCHAR(128),
    job_id BIGINT,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    UNIQUE KEY uniq_type_job (type, job_id),
    INDEX idx_transactions_status (status),
    FOREIGN KEY (user_id) REFERENCES accounts(user_id)
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id INTEGER PRIMARY KEY,
    display_name TEXT,
    balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    total_spent INTEGER NOT NULL DEFAULT 0,
    model_ref TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES accounts(user_id),
    mode TEXT NOT NULL,
    style TEXT,
    credits_charged INTEGER NOT NULL,
    status TEXT NOT NULL,
    external_id TEXT,
    output_ref TEXT,
    error_kind TEXT,
    error_message TEXT,
    progress INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);

CREATE TABLE IF NOT EXISTS transactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES accounts(user_id),
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    credits INTEGER NOT NULL,
    amount TEXT,
    medium TEXT,
    package_id TEXT,
    external_ref TEXT,
    job_id INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (type, job_id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
`
