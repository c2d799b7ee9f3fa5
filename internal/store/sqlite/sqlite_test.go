package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/odinfed/odinfed-go/internal/store"
	_ "github.com/odinfed/odinfed-go/internal/store/sqlite"
	"github.com/odinfed/odinfed-go/internal/store/testutil"
)

func TestSQLiteDriver(t *testing.T) {
	tempDir := t.TempDir()

	cfg := &store.DriverConfig{
		Driver:  "sqlite",
		DataDir: tempDir,
	}

	testutil.RunDriverTests(t, "sqlite", cfg)

	if _, err := os.Stat(filepath.Join(tempDir, "identity.db")); os.IsNotExist(err) {
		t.Error("identity.db not created")
	}
}

func TestSQLiteDriverSurvivesRestart(t *testing.T) {
	tempDir := t.TempDir()
	ctx := context.Background()
	cfg := &store.DriverConfig{
		Driver:  "sqlite",
		DataDir: tempDir,
	}

	s, err := store.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}

	drive := testutil.TestDriveRecord()
	if err := s.CreateDrive(ctx, drive); err != nil {
		t.Fatal(err)
	}
	header := testutil.TestFileHeaderRecord(drive.DriveID)
	if err := s.InsertFileHeader(ctx, header); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen and verify both records survived.
	s2, err := store.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if _, err := s2.GetDrive(ctx, drive.DriveID); err != nil {
		t.Errorf("drive lost across restart: %v", err)
	}
	got, err := s2.GetFileHeader(ctx, drive.DriveID, header.FileID)
	if err != nil {
		t.Fatalf("header lost across restart: %v", err)
	}
	if got.VersionTag != header.VersionTag {
		t.Error("header changed across restart")
	}
}
