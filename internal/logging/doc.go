// Package logging provides the logger used across the quorumdb server and
// its cluster core. It implements the same logger.ILogger contract that
// Dragonboat defines, so cluster code can call logger.GetLogger(name) with
// the usual Debugf/Infof/Warningf/Errorf/Panicf methods and get consistent,
// leveled output regardless of which subsystem is logging.
package logging
