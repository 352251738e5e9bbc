/*
Browserpool serves a bounded pool of headless Chrome sessions over HTTP.

Usage:

	browserpool -config config.yaml

Every setting can be overridden from the environment with the OPTIMIZER
prefix, for example OPTIMIZER_POOL_MAX_SESSIONS=10.
*/
package main
