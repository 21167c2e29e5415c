package db

import (
	"strings"
	"testing"

	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func TestDialector_Drivers(t *testing.T) {
	tests := []struct {
		driver string
		dsn    string
		want   string
	}{
		{"mysql", "parley:secret@tcp(127.0.0.1:3306)/parley", "mysql"},
		{"sqlite", "parley.db", "sqlite"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := Dialector(tt.driver, tt.dsn)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", d.Name(), tt.want)
			}
		})
	}
}

func TestDialector_Unsupported(t *testing.T) {
	_, err := Dialector("postgres", "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q", err)
	}
}

func TestNormalizeMySQLDSN(t *testing.T) {
	got, err := NormalizeMySQLDSN("parley:secret@tcp(db:3306)/parley")
	if err != nil {
		t.Fatalf("NormalizeMySQLDSN: %v", err)
	}
	for _, want := range []string{"parseTime=true", "charset=utf8mb4"} {
		if !strings.Contains(got, want) {
			t.Errorf("dsn %q missing %s", got, want)
		}
	}

	got, err = NormalizeMySQLDSN("u:p@tcp(db:3306)/x?charset=latin1")
	if err != nil {
		t.Fatalf("NormalizeMySQLDSN: %v", err)
	}
	if !strings.Contains(got, "charset=latin1") {
		t.Errorf("explicit charset overridden: %q", got)
	}

	if _, err := NormalizeMySQLDSN("no-slash"); err == nil {
		t.Error("expected error for malformed dsn")
	}
	if _, err := Dialector("mysql", "no-slash"); err == nil {
		t.Error("Dialector accepted malformed mysql dsn")
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 16 {
		t.Errorf("AllModels() count = %d, want 16", got)
	}
}

func TestAutoMigrate_CreatesTables(t *testing.T) {
	db := testDB(t)
	for _, table := range []string{"sessions", "contacts", "conversations", "messages", "chunks", "jobs", "broadcast_recipients"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestEnsureTenant_Idempotent(t *testing.T) {
	db := testDB(t)
	for i := 0; i < 2; i++ {
		if err := EnsureTenant(db, "t1"); err != nil {
			t.Fatalf("EnsureTenant #%d: %v", i, err)
		}
	}

	var kbs []models.KnowledgeBase
	db.Where("tenant_id = ?", "t1").Find(&kbs)
	if len(kbs) != 1 || !kbs[0].IsDefault {
		t.Errorf("knowledge bases = %+v, want one default", kbs)
	}

	var s models.TenantSettings
	if err := db.First(&s, "tenant_id = ?", "t1").Error; err != nil {
		t.Fatalf("settings: %v", err)
	}
	if s.ConfidenceThreshold != 0.6 || s.MaxHistory != 10 {
		t.Errorf("settings = %+v, want threshold 0.6 history 10", s)
	}
}

func TestEnsureTenant_KeepsCustomSettings(t *testing.T) {
	db := testDB(t)
	db.Create(&models.TenantSettings{TenantID: "t1", BotName: "Ava", ConfidenceThreshold: 0.8, MaxHistory: 4})
	if err := EnsureTenant(db, "t1"); err != nil {
		t.Fatal(err)
	}
	var s models.TenantSettings
	db.First(&s, "tenant_id = ?", "t1")
	if s.BotName != "Ava" || s.ConfidenceThreshold != 0.8 {
		t.Errorf("settings overwritten: %+v", s)
	}
}

func TestEnsureTenant_RequiresID(t *testing.T) {
	db := testDB(t)
	if err := EnsureTenant(db, ""); err == nil {
		t.Fatal("expected error")
	}
}
