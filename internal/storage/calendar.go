package storage

import (
	"database/sql"
	"fmt"
)

// CalendarLookup reads one date from the persisted trade calendar.
func (db *DB) CalendarLookup(calDate string) (isOpen, found bool, err error) {
	var open int
	err = db.conn.QueryRow(`SELECT is_open FROM trade_calendar WHERE cal_date=?`, calDate).Scan(&open)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("calendar lookup: %w", err)
	}
	return open == 1, true, nil
}

// CalendarMerge persists fetched calendar days, last write wins per date.
func (db *DB) CalendarMerge(days map[string]bool) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO trade_calendar(cal_date, is_open) VALUES(?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for d, open := range days {
		v := 0
		if open {
			v = 1
		}
		if _, err := stmt.Exec(d, v); err != nil {
			return fmt.Errorf("calendar merge %s: %w", d, err)
		}
	}
	return tx.Commit()
}
