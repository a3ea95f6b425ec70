package common

import (
	"github.com/songquanpeng/conduit-gateway/common/config"
)

var UsingSQLite = false
var UsingPostgreSQL = false
var UsingMySQL = false

var SQLitePath = config.SQLiteConfigPath
var SQLiteBusyTimeout = 3000
