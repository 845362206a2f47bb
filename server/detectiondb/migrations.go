package detectiondb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE detection_frame(
			id INTEGER PRIMARY KEY,
			session TEXT NOT NULL,
			time INT NOT NULL,
			frame_id INT NOT NULL,
			pts INT,
			width INT NOT NULL,
			height INT NOT NULL,
			num_objects INT NOT NULL,
			objects BLOB
		);

		CREATE INDEX idx_detection_frame_time ON detection_frame(time);
		CREATE INDEX idx_detection_frame_session ON detection_frame(session, frame_id);
	`))

	return migs
}
